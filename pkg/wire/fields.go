package wire

// Typed accessors over Control.Fields. JSON numbers decode as float64;
// these centralize the int64/float64 juggling every handler would
// otherwise repeat.

// String returns Fields[key] as a string, or the zero value if absent
// or of the wrong type.
func (c Control) String(key string) string {
	v, _ := c.Fields[key].(string)
	return v
}

// Int64 returns Fields[key] as an int64.
func (c Control) Int64(key string) int64 {
	switch v := c.Fields[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

// Float64 returns Fields[key] as a float64.
func (c Control) Float64(key string) float64 {
	switch v := c.Fields[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return 0
	}
}

// Bool returns Fields[key] as a bool.
func (c Control) Bool(key string) bool {
	v, _ := c.Fields[key].(bool)
	return v
}

// Set assigns a field, lazily allocating the map.
func (c *Control) Set(key string, value interface{}) {
	if c.Fields == nil {
		c.Fields = map[string]interface{}{}
	}
	c.Fields[key] = value
}
