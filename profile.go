package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

// The profiler is adapted from https://github.com/zeromicro/go-zero core/prof.

const (
	memProfileRate = 4096

	timeFormat = "20060102_150405"
	// goroutine dump with full stacks.
	goroutineDebugLevel = 2
)

// Profiler is an active profiling session, toggled by SIGUSR2.
type Profiler struct {
	dataDir string
	closers []func()
	stopped uint32
}

// lookupProfile writes a named runtime profile on stop. setup runs at start
// and returns the function that restores the runtime setting.
type lookupProfile struct {
	name  string
	setup func() (restore func())
}

var lookupProfiles = []lookupProfile{
	{name: "heap", setup: func() func() {
		old := runtime.MemProfileRate
		runtime.MemProfileRate = memProfileRate
		return func() { runtime.MemProfileRate = old }
	}},
	{name: "mutex", setup: func() func() {
		runtime.SetMutexProfileFraction(1)
		return func() { runtime.SetMutexProfileFraction(0) }
	}},
	{name: "block", setup: func() func() {
		runtime.SetBlockProfileRate(1)
		return func() { runtime.SetBlockProfileRate(0) }
	}},
	{name: "threadcreate"},
}

// StartProfiler starts cpu, trace and the lookup profiles. Files are written
// into dataDir when Stop is called.
func StartProfiler(dataDir string) *Profiler {
	p := &Profiler{dataDir: dataDir}

	p.startStream("cpu", func(w io.Writer) (func(), error) {
		if err := pprof.StartCPUProfile(w); err != nil {
			return nil, err
		}
		return pprof.StopCPUProfile, nil
	})
	p.startStream("trace", func(w io.Writer) (func(), error) {
		if err := trace.Start(w); err != nil {
			return nil, err
		}
		return trace.Stop, nil
	})
	for _, lp := range lookupProfiles {
		p.startLookup(lp)
	}
	return p
}

// Stop flushes all profiles, only the first call has effect.
func (p *Profiler) Stop() {
	if !atomic.CompareAndSwapUint32(&p.stopped, 0, 1) {
		return
	}
	for _, closer := range p.closers {
		closer()
	}
}

func (p *Profiler) create(kind, ext string) (*os.File, string, error) {
	fn := filepath.Join(p.dataDir, fmt.Sprintf("%s-%s.%s", kind, time.Now().Format(timeFormat), ext))
	f, err := os.Create(fn)
	return f, fn, err
}

// startStream starts a profile that streams into its file while running.
func (p *Profiler) startStream(kind string, start func(io.Writer) (func(), error)) {
	f, fn, err := p.create(kind, "pprof")
	if err != nil {
		glog.Errorf("pprof: could not create %s profile %q: %v", kind, fn, err)
		return
	}
	stop, err := start(f)
	if err != nil {
		f.Close()
		glog.Errorf("pprof: could not start %s profile: %v", kind, err)
		return
	}

	glog.Infof("pprof: %s profiling enabled, %s", kind, fn)
	p.closers = append(p.closers, func() {
		stop()
		f.Close()
		glog.Infof("pprof: %s profiling disabled, %s", kind, fn)
	})
}

func (p *Profiler) startLookup(lp lookupProfile) {
	f, fn, err := p.create(lp.name, "pprof")
	if err != nil {
		glog.Errorf("pprof: could not create %s profile %q: %v", lp.name, fn, err)
		return
	}

	var restore func()
	if lp.setup != nil {
		restore = lp.setup()
	}
	glog.Infof("pprof: %s profiling enabled, %s", lp.name, fn)
	p.closers = append(p.closers, func() {
		if prof := pprof.Lookup(lp.name); prof != nil {
			if err := prof.WriteTo(f, 0); err != nil {
				glog.Errorf("pprof: write %s profile error: %v", lp.name, err)
			}
		}
		f.Close()
		if restore != nil {
			restore()
		}
		glog.Infof("pprof: %s profiling disabled, %s", lp.name, fn)
	})
}

// dumpGoroutines writes the stacks of all goroutines into dataDir, it does
// not need a running profiler.
func dumpGoroutines(dataDir string) {
	fn := filepath.Join(dataDir, fmt.Sprintf("goroutines-%s.dump", time.Now().Format(timeFormat)))
	glog.Infof("got dump goroutine signal, dumping goroutine profile to %s", fn)
	f, err := os.Create(fn)
	if err != nil {
		glog.Errorf("failed to dump goroutine profile, error: %v", err)
		return
	}
	defer f.Close()
	if err := pprof.Lookup("goroutine").WriteTo(f, goroutineDebugLevel); err != nil {
		glog.Errorf("failed to write goroutine profile to %s, error: %v", fn, err)
	}
}
