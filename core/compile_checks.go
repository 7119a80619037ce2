package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ TokenCodec       = JSONTokenCodec{}
	_ ConnectionLocker = (*MemoryConnectionLocker)(nil)
	_ MetricsRecorder  = NopMetricsRecorder{}
	_ MetricsRecorder  = (*MemoryMetricsRecorder)(nil)

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
