package model

// Context is everything one run needs from its declaration and the controller configuration.
type Context struct {
	Testbed  *Testbed
	Config   *Config
	Resolver *Resolver
	Pause    PauseSet
}

func NewContext(tb *Testbed, cfg *Config, resolver *Resolver) *Context {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if resolver == nil {
		resolver = NewResolver()
	}
	return &Context{
		Testbed:  tb,
		Config:   cfg,
		Resolver: resolver,
	}
}

func (c *Context) GetTestbed() *Testbed {
	return c.Testbed
}

func (c *Context) GetConfig() *Config {
	return c.Config
}

// WithPause returns a copy of the context holding at the given pause points.
func (c *Context) WithPause(pause PauseSet) *Context {
	copied := *c
	copied.Pause = pause
	return &copied
}
