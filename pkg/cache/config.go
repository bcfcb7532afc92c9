package cache

// Config holds the configuration for the pattern cache
type Config struct {
	// Size is the maximum number of compiled patterns kept
	Size int
	// EnableStats enables cache statistics collection
	EnableStats bool
}

// DefaultConfig returns a default cache configuration
func DefaultConfig() *Config {
	return &Config{
		Size:        1024,
		EnableStats: true,
	}
}

// WithSize sets the maximum number of entries
func (c *Config) WithSize(size int) *Config {
	c.Size = size
	return c
}

// WithStats enables or disables cache statistics
func (c *Config) WithStats(enable bool) *Config {
	c.EnableStats = enable
	return c
}
