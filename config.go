package gonet

// Config aggregates the top-level options an application sets once,
// independent of any single connection. Per-component settings live in
// their own packages: socket.DialConfig is built from functional
// options, and tlsadapter.Config is a plain struct passed to
// tlsadapter.New. None of them is read from environment variables
// inside library code.
type Config struct {
	TmpDir string
}

// Option mutates a Config during New.
type Option func(*Config)

// WithTmpDir sets Config.TmpDir. No package of this module reads
// Config; buf.Resource and the servers take their spill directory from
// their own arguments and options.
func WithTmpDir(dir string) Option {
	return func(c *Config) { c.TmpDir = dir }
}

// New builds a Config from options, defaults otherwise zero-valued.
func New(opts ...Option) *Config {
	c := &Config{}
	for _, o := range opts {
		o(c)
	}
	return c
}
