// Package sandbox executes mini-app code inside an isolated goja runtime.
// Resource limits are enforced here, not trusted to the guest: execution is
// interrupted on timeout or memory breach, and all outbound traffic goes
// through the host allow-list before any connection is attempted.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/miniapphost/runtime/internal/bridge"
	apperr "github.com/miniapphost/runtime/internal/errors"
	"github.com/miniapphost/runtime/internal/manifest"
	"github.com/miniapphost/runtime/internal/metrics"
	"github.com/miniapphost/runtime/pkg/logger"
)

// Interrupt reasons, matched after the VM aborts to classify the failure.
const (
	interruptTimeout = "execution timeout"
	interruptMemory  = "memory limit exceeded"
	interruptClosed  = "instance terminated"
)

const maxConsoleLines = 1000

// memoryPollInterval is how often the watchdog samples memory usage during
// an execution.
const memoryPollInterval = 50 * time.Millisecond

// RenderSink receives UI frames pushed by mini-app code. The host shell
// implements it; tests use a recording fake.
type RenderSink interface {
	Render(appID string, frame json.RawMessage)
}

// NopRenderSink discards frames.
type NopRenderSink struct{}

func (NopRenderSink) Render(string, json.RawMessage) {}

// UsageFunc reports current memory usage in bytes. The default samples the
// host process RSS; tests inject a deterministic one.
type UsageFunc func() (uint64, error)

func processMemory() (uint64, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	info, err := p.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}

// Option configures an Instance.
type Option func(*Instance)

// WithRenderSink sets the UI frame sink.
func WithRenderSink(sink RenderSink) Option {
	return func(i *Instance) { i.render = sink }
}

// WithUsageFunc overrides the memory usage sampler.
func WithUsageFunc(f UsageFunc) Option {
	return func(i *Instance) { i.usage = f }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(i *Instance) { i.metrics = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *logger.Logger) Option {
	return func(i *Instance) { i.log = l.Component("sandbox").WithApp(i.appID) }
}

// Instance is one sandboxed mini-app. The goja runtime is single-threaded;
// executions are serialized on the instance mutex.
type Instance struct {
	appID      string
	version    string
	limits     manifest.ResourceLimits
	conn       *bridge.Conn
	entryPoint string

	render  RenderSink
	usage   UsageFunc
	metrics metrics.Collector
	log     *logger.Logger

	mu      sync.Mutex
	vm      *goja.Runtime
	entryFn goja.Callable
	console []string
	crashed bool

	// closed is atomic so Close can flip it without waiting on mu: a running
	// execution holds mu for the whole VM run and must be interrupted, not
	// waited out.
	closed atomic.Bool

	// abortKind is written by the watchdog goroutine and read after the VM
	// aborts, hence atomic.
	abortKind atomic.Value
}

// New compiles the payload inside a fresh VM and resolves the entry point.
// The payload script runs once here, under the same timeout and crash guard
// as later executions.
func New(m *manifest.Manifest, payload []byte, conn *bridge.Conn, opts ...Option) (*Instance, error) {
	inst := &Instance{
		appID:      m.AppID,
		version:    m.Version,
		limits:     m.ResourceLimits,
		conn:       conn,
		entryPoint: "main",
		render:     NopRenderSink{},
		usage:      processMemory,
		metrics:    metrics.NewNopCollector(),
		log:        logger.Nop(),
	}
	for _, opt := range opts {
		opt(inst)
	}

	inst.vm = goja.New()
	inst.installHostObjects()

	if err := inst.runGuarded(func() error {
		_, err := inst.vm.RunString(string(payload))
		return err
	}); err != nil {
		return nil, err
	}

	entryFn, ok := goja.AssertFunction(inst.vm.Get(inst.entryPoint))
	if !ok {
		return nil, apperr.Newf(apperr.CodeValidation, "entry point %q is not a function", inst.entryPoint)
	}
	inst.entryFn = entryFn

	return inst, nil
}

// AppID returns the owning app ID.
func (i *Instance) AppID() string { return i.appID }

// Version returns the loaded mini-app version.
func (i *Instance) Version() string { return i.version }

// Crashed reports whether a previous execution left the instance unusable.
func (i *Instance) Crashed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.crashed
}

// ConsoleLines returns the captured console output.
func (i *Instance) ConsoleLines() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, len(i.console))
	copy(out, i.console)
	return out
}

// Execute invokes the entry point with the given input. Timeout and memory
// breaches abort the run with the corresponding structured error; a script
// exception or panic is contained to this instance and reported as a crash.
func (i *Instance) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	start := time.Now()
	output, err := i.execute(ctx, input)
	i.metrics.RecordExecution(i.appID, time.Since(start), err)
	return output, err
}

func (i *Instance) execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed.Load() {
		return nil, apperr.New(apperr.CodeInstanceTerminated, "instance is terminated")
	}
	if i.crashed {
		return nil, apperr.New(apperr.CodeSandboxCrash, "instance crashed in a previous execution")
	}

	if input == nil {
		input = map[string]any{}
	}
	if err := i.vm.Set("input", input); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "set input", err)
	}

	var result goja.Value
	err := i.runGuardedCtx(ctx, func() error {
		var callErr error
		result, callErr = i.entryFn(goja.Undefined())
		return callErr
	})
	if err != nil {
		if apperr.CodeOf(err).InstanceFatal() {
			i.crashed = true
		}
		return nil, err
	}

	return exportResult(result), nil
}

// runGuarded runs fn under the watchdog with a background context.
func (i *Instance) runGuarded(fn func() error) error {
	return i.runGuardedCtx(context.Background(), fn)
}

// runGuardedCtx arms the timeout and memory watchdog, runs fn on the VM, and
// classifies whatever came out.
func (i *Instance) runGuardedCtx(ctx context.Context, fn func() error) (err error) {
	timeout := time.Duration(i.limits.ExecutionTimeoutMs) * time.Millisecond
	i.abortKind.Store("")

	done := make(chan struct{})
	go i.watchdog(ctx, timeout, done)
	defer close(done)

	defer func() {
		if r := recover(); r != nil {
			i.log.Error().Interface("panic", r).Msg("sandbox panic")
			err = apperr.Newf(apperr.CodeSandboxCrash, "sandbox panic: %v", r)
		}
	}()

	if runErr := fn(); runErr != nil {
		return i.classify(runErr)
	}
	return nil
}

// watchdog interrupts the VM on timeout or memory breach. It records which
// limit tripped so classify can tell the two interrupts apart.
func (i *Instance) watchdog(ctx context.Context, timeout time.Duration, done chan struct{}) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(memoryPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-timer.C:
			i.abortKind.Store(interruptTimeout)
			i.vm.Interrupt(interruptTimeout)
			return
		case <-ticker.C:
			used, err := i.usage()
			if err != nil {
				continue
			}
			if used > i.limits.MemoryBytes {
				i.abortKind.Store(interruptMemory)
				i.vm.Interrupt(interruptMemory)
				return
			}
		case <-ctx.Done():
			i.abortKind.Store(interruptTimeout)
			i.vm.Interrupt(interruptTimeout)
			return
		case <-done:
			return
		}
	}
}

// classify maps a goja error to the failure taxonomy.
func (i *Instance) classify(err error) error {
	if _, ok := err.(*goja.InterruptedError); ok {
		i.vm.ClearInterrupt()
		kind, _ := i.abortKind.Load().(string)
		switch kind {
		case interruptClosed:
			return apperr.New(apperr.CodeInstanceTerminated, "instance is terminated")
		case interruptMemory:
			i.metrics.RecordResourceAbort(i.appID, "memory")
			return apperr.Newf(apperr.CodeMemoryLimitExceeded,
				"memory limit of %d bytes exceeded", i.limits.MemoryBytes)
		default:
			i.metrics.RecordResourceAbort(i.appID, "timeout")
			return apperr.Newf(apperr.CodeExecutionTimeout,
				"execution exceeded %dms", i.limits.ExecutionTimeoutMs)
		}
	}
	if ex, ok := err.(*goja.Exception); ok {
		// Structured errors thrown by host objects keep their code.
		if code := apperr.CodeOf(unwrapThrown(ex)); code != apperr.CodeInternal {
			return unwrapThrown(ex)
		}
		return apperr.Wrap(apperr.CodeSandboxCrash, "uncaught script exception", err)
	}
	return apperr.Wrap(apperr.CodeSandboxCrash, "script error", err)
}

// unwrapThrown recovers a host-side structured error re-thrown through the VM.
func unwrapThrown(ex *goja.Exception) error {
	if v := ex.Value(); v != nil {
		if wrapped, ok := v.Export().(error); ok {
			return wrapped
		}
	}
	return ex
}

// Close tears the instance down. Safe to call more than once. It never takes
// the execution mutex: the interrupt fires immediately so a running execution
// aborts right away instead of being waited out, and the bridge connection is
// closed so in-flight invocations fail fast.
func (i *Instance) Close() {
	if i.closed.Swap(true) {
		return
	}
	i.abortKind.Store(interruptClosed)
	i.vm.Interrupt(interruptClosed)
	if i.conn != nil {
		i.conn.Close()
	}
}

// installHostObjects wires console, host.invoke, net.fetch, and render.push
// into the VM. All capability traffic funnels through the bridge connection.
func (i *Instance) installHostObjects() {
	vm := i.vm

	console := vm.NewObject()
	console.Set("log", func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for n, arg := range call.Arguments {
			args[n] = arg.Export()
		}
		line := fmt.Sprint(args...)
		if len(i.console) < maxConsoleLines {
			i.console = append(i.console, line)
		}
		i.log.Debug().Str("source", "console").Msg(line)
		return goja.Undefined()
	})
	vm.Set("console", console)

	host := vm.NewObject()
	host.Set("invoke", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.ToValue(apperr.New(apperr.CodeInvalidParams, "host.invoke requires a method name")))
		}
		method := call.Arguments[0].String()
		var params json.RawMessage
		if len(call.Arguments) > 1 && !goja.IsUndefined(call.Arguments[1]) {
			raw, err := json.Marshal(call.Arguments[1].Export())
			if err != nil {
				panic(vm.ToValue(apperr.Wrap(apperr.CodeInvalidParams, "params not serializable", err)))
			}
			params = raw
		}
		result, err := i.conn.Invoke(context.Background(), method, params)
		if err != nil {
			panic(vm.ToValue(err))
		}
		return toVMValue(vm, result)
	})
	vm.Set("host", host)

	netObj := vm.NewObject()
	netObj.Set("fetch", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.ToValue(apperr.New(apperr.CodeInvalidParams, "net.fetch requires a url")))
		}
		rawURL := call.Arguments[0].String()
		if err := i.ensureAllowed(rawURL); err != nil {
			panic(vm.ToValue(err))
		}
		req := map[string]any{"url": rawURL}
		if len(call.Arguments) > 1 && !goja.IsUndefined(call.Arguments[1]) {
			req["options"] = call.Arguments[1].Export()
		}
		params, err := json.Marshal(req)
		if err != nil {
			panic(vm.ToValue(apperr.Wrap(apperr.CodeInvalidParams, "request not serializable", err)))
		}
		result, err := i.conn.Invoke(context.Background(), "network.fetch", params)
		if err != nil {
			panic(vm.ToValue(err))
		}
		return toVMValue(vm, result)
	})
	vm.Set("net", netObj)

	render := vm.NewObject()
	render.Set("push", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Undefined()
		}
		frame, err := json.Marshal(call.Arguments[0].Export())
		if err != nil {
			panic(vm.ToValue(apperr.Wrap(apperr.CodeInvalidParams, "frame not serializable", err)))
		}
		i.render.Render(i.appID, frame)
		return goja.Undefined()
	})
	vm.Set("render", render)
}

// ensureAllowed enforces the manifest's outbound host allow-list. It runs
// before any connection is attempted; an empty list means no network at all.
func (i *Instance) ensureAllowed(rawURL string) error {
	if len(i.limits.AllowedNetworkHosts) == 0 {
		return apperr.New(apperr.CodeNetworkAccessDenied, "network access is not declared")
	}
	host, err := parseHost(rawURL)
	if err != nil {
		return apperr.Wrap(apperr.CodeNetworkAccessDenied, "unparseable url", err)
	}
	for _, allowed := range i.limits.AllowedNetworkHosts {
		if allowed == host {
			return nil
		}
	}
	return apperr.Newf(apperr.CodeNetworkAccessDenied, "host not allowed: %s", host)
}

// toVMValue converts raw JSON from the bridge into a VM value.
func toVMValue(vm *goja.Runtime, raw json.RawMessage) goja.Value {
	if len(raw) == 0 {
		return goja.Undefined()
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return vm.ToValue(string(raw))
	}
	return vm.ToValue(v)
}

// exportResult converts the entry point's return value to a map.
func exportResult(result goja.Value) map[string]any {
	output := make(map[string]any)
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return output
	}
	switch v := result.Export().(type) {
	case map[string]any:
		return v
	default:
		output["result"] = v
	}
	return output
}
