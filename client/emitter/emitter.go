package emitter

import (
	"github.com/robertodauria/httpspeed/pkg/speedtest/spec"
	"go.uber.org/zap"
)

// Emitter receives speed updates and results from a speed test engine.
// Methods are called from a background goroutine, one at a time and in
// order. Implementations should return quickly.
type Emitter interface {
	OnDownloadSpeedChanged(mbit float64)
	OnUploadSpeedChanged(mbit float64)
	OnDownloadTestFinished(mbit float64)
	OnUploadTestFinished(mbit float64)
	// OnError is called when a subtest fails. No "finished" notification is
	// emitted for a failed subtest.
	OnError(kind spec.SubtestKind, err error)
}

type LogEmitter struct{}

func (e *LogEmitter) OnDownloadSpeedChanged(mbit float64) {
	zap.L().Sugar().Debugf("download: current speed: %f Mb/s", mbit)
}

func (e *LogEmitter) OnUploadSpeedChanged(mbit float64) {
	zap.L().Sugar().Debugf("upload: current speed: %f Mb/s", mbit)
}

func (e *LogEmitter) OnDownloadTestFinished(mbit float64) {
	zap.L().Sugar().Infof("download: finished: %f Mb/s", mbit)
}

func (e *LogEmitter) OnUploadTestFinished(mbit float64) {
	zap.L().Sugar().Infof("upload: finished: %f Mb/s", mbit)
}

func (e *LogEmitter) OnError(kind spec.SubtestKind, err error) {
	zap.L().Sugar().Errorf("%s: error (%v)", kind, err)
}

// Funcs adapts a set of optional functions to the Emitter interface.
type Funcs struct {
	DownloadSpeedChanged func(mbit float64)
	UploadSpeedChanged   func(mbit float64)
	DownloadTestFinished func(mbit float64)
	UploadTestFinished   func(mbit float64)
	Error                func(kind spec.SubtestKind, err error)
}

func (f Funcs) OnDownloadSpeedChanged(mbit float64) {
	if f.DownloadSpeedChanged != nil {
		f.DownloadSpeedChanged(mbit)
	}
}

func (f Funcs) OnUploadSpeedChanged(mbit float64) {
	if f.UploadSpeedChanged != nil {
		f.UploadSpeedChanged(mbit)
	}
}

func (f Funcs) OnDownloadTestFinished(mbit float64) {
	if f.DownloadTestFinished != nil {
		f.DownloadTestFinished(mbit)
	}
}

func (f Funcs) OnUploadTestFinished(mbit float64) {
	if f.UploadTestFinished != nil {
		f.UploadTestFinished(mbit)
	}
}

func (f Funcs) OnError(kind spec.SubtestKind, err error) {
	if f.Error != nil {
		f.Error(kind, err)
	}
}

// Tee returns an Emitter forwarding every notification to all the given
// emitters, in order.
func Tee(emitters ...Emitter) Emitter {
	return tee(emitters)
}

type tee []Emitter

func (t tee) OnDownloadSpeedChanged(mbit float64) {
	for _, e := range t {
		e.OnDownloadSpeedChanged(mbit)
	}
}

func (t tee) OnUploadSpeedChanged(mbit float64) {
	for _, e := range t {
		e.OnUploadSpeedChanged(mbit)
	}
}

func (t tee) OnDownloadTestFinished(mbit float64) {
	for _, e := range t {
		e.OnDownloadTestFinished(mbit)
	}
}

func (t tee) OnUploadTestFinished(mbit float64) {
	for _, e := range t {
		e.OnUploadTestFinished(mbit)
	}
}

func (t tee) OnError(kind spec.SubtestKind, err error) {
	for _, e := range t {
		e.OnError(kind, err)
	}
}
