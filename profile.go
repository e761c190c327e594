package main

import (
	"fmt"
	"os"
	"path"
	"runtime"
	"runtime/pprof"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

const (
	// memProfileRate overrides runtime.MemProfileRate while a session runs.
	memProfileRate = 4096

	dumpTimeFormat = "20060102_150405"
)

// profilerActive is non zero while a session runs; only one at a time.
var profilerActive uint32

// Profiler is one on-demand profiling session, toggled by SIGUSR2.
type Profiler struct {
	dataDir string
	closers []func()
	stopped uint32
}

// StartProfiler begins collecting cpu, heap, block and mutex profiles under
// dataDir. Returns nil if a session is already running.
func StartProfiler(dataDir string) *Profiler {
	if !atomic.CompareAndSwapUint32(&profilerActive, 0, 1) {
		glog.Error("pprof: a profiling session is already running")
		return nil
	}

	p := &Profiler{dataDir: dataDir}

	if f := p.create("cpu"); f != nil {
		if err := pprof.StartCPUProfile(f); err != nil {
			glog.Errorf("pprof: start cpu profile: %v", err)
			f.Close()
		} else {
			p.closers = append(p.closers, func() {
				pprof.StopCPUProfile()
				f.Close()
			})
		}
	}

	if f := p.create("heap"); f != nil {
		old := runtime.MemProfileRate
		runtime.MemProfileRate = memProfileRate
		p.closers = append(p.closers, func() {
			_ = pprof.Lookup("heap").WriteTo(f, 0)
			f.Close()
			runtime.MemProfileRate = old
		})
	}

	if f := p.create("block"); f != nil {
		runtime.SetBlockProfileRate(1)
		p.closers = append(p.closers, func() {
			_ = pprof.Lookup("block").WriteTo(f, 0)
			f.Close()
			runtime.SetBlockProfileRate(0)
		})
	}

	if f := p.create("mutex"); f != nil {
		runtime.SetMutexProfileFraction(1)
		p.closers = append(p.closers, func() {
			_ = pprof.Lookup("mutex").WriteTo(f, 0)
			f.Close()
			runtime.SetMutexProfileFraction(0)
		})
	}

	glog.Infof("pprof: profiling session started, dir: %s", dataDir)
	return p
}

// Stop flushes every collected profile. Safe to call twice.
func (p *Profiler) Stop() {
	if p == nil || !atomic.CompareAndSwapUint32(&p.stopped, 0, 1) {
		return
	}
	for _, closer := range p.closers {
		closer()
	}
	atomic.StoreUint32(&profilerActive, 0)
	glog.Info("pprof: profiling session stopped")
}

func (p *Profiler) create(kind string) *os.File {
	fn := path.Join(p.dataDir, fmt.Sprintf("%s-%s.pprof", kind, time.Now().Format(dumpTimeFormat)))
	f, err := os.Create(fn)
	if err != nil {
		glog.Errorf("pprof: could not create %s profile %q: %v", kind, fn, err)
		return nil
	}
	glog.Infof("pprof: %s profiling enabled, %s", kind, fn)
	return f
}

// dumpGoroutines writes the current goroutine stacks, triggered by SIGUSR1.
func dumpGoroutines(dataDir string) {
	fn := path.Join(dataDir, fmt.Sprintf("goroutines-%s.dump", time.Now().Format(dumpTimeFormat)))
	f, err := os.Create(fn)
	if err != nil {
		glog.Errorf("pprof: could not create goroutine dump %q: %v", fn, err)
		return
	}
	defer f.Close()
	if err := pprof.Lookup("goroutine").WriteTo(f, 2); err != nil {
		glog.Errorf("pprof: write goroutine dump to %s: %v", fn, err)
		return
	}
	glog.Infof("pprof: goroutine dump written to %s", fn)
}
