package transport

// silentGnetLogger discards gnet's own output; the transport logs through
// its *log.Logger instead.
type silentGnetLogger struct{}

func (silentGnetLogger) Debugf(string, ...any) {}
func (silentGnetLogger) Infof(string, ...any)  {}
func (silentGnetLogger) Warnf(string, ...any)  {}
func (silentGnetLogger) Errorf(string, ...any) {}
func (silentGnetLogger) Fatalf(string, ...any) {}
