package gameplay

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"github.com/user/playhost/internal/log"
)

const DefaultLoadTimeout = time.Second

var (
	exportDefaultRe = regexp.MustCompile(`\bexport\s+default\s+`)
	exportListRe    = regexp.MustCompile(`\bexport\s*\{([^}]*)\}\s*;?`)
	classSourceRe   = regexp.MustCompile(`^class[\s{]`)
)

type LoaderConfig struct {
	// Timeout bounds top-level evaluation of a module.
	Timeout time.Duration
	// Sink receives console output from modules.
	Sink log.Sink
}

// Loader turns module source files into validated Modules. Every Load builds
// a fresh runtime; nothing is cached between loads.
type Loader struct {
	timeout time.Duration
	sink    log.Sink
	logger  zerolog.Logger
}

func NewLoader(cfg LoaderConfig) *Loader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultLoadTimeout
	}
	if cfg.Sink == nil {
		cfg.Sink = log.NopSink{}
	}
	return &Loader{
		timeout: cfg.Timeout,
		sink:    cfg.Sink,
		logger:  log.WithComponent("loader"),
	}
}

// Load reads, evaluates and validates the module at path.
func (l *Loader) Load(ctx context.Context, path string) (Module, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, newError(CodeFileNotFound, fmt.Sprintf("module file %s not found", path), err)
		}
		return nil, fmt.Errorf("read module %s: %w", path, err)
	}
	return l.LoadSource(ctx, path, string(src))
}

// LoadSource evaluates src as if it had been read from name.
func (l *Loader) LoadSource(ctx context.Context, name, src string) (Module, error) {
	m := newScriptModule(name, l.sink, l.logger)
	obj, meta, err := l.build(ctx, m.rt, name, RewriteExports(src))
	if err != nil {
		m.Close()
		return nil, err
	}
	m.obj = obj
	m.meta = meta
	l.logger.Debug().Str(log.FieldPath, name).Str("title", meta.Title).Int("devices", len(meta.RequiredDevices)).Msg("module loaded")
	return m, nil
}

// Meta loads the module at path and returns its metadata without starting it.
func (l *Loader) Meta(ctx context.Context, path string) (Meta, error) {
	m, err := l.Load(ctx, path)
	if err != nil {
		return Meta{}, err
	}
	defer m.Close()
	return m.Meta(), nil
}

type loadInterrupt struct{ reason string }

// build evaluates, instantiates and validates the module under one deadline.
// Constructors, factories and getters read during validation are all bounded
// by the load timeout.
func (l *Loader) build(ctx context.Context, rt *goja.Runtime, name, src string) (obj *goja.Object, meta Meta, err error) {
	var (
		mu       sync.Mutex
		finished bool
	)
	interrupt := func(reason string) {
		mu.Lock()
		defer mu.Unlock()
		if !finished {
			rt.Interrupt(loadInterrupt{reason: reason})
		}
	}
	timer := time.AfterFunc(l.timeout, func() {
		interrupt(fmt.Sprintf("module load exceeded %s", l.timeout))
	})
	stop := context.AfterFunc(ctx, func() { interrupt("load cancelled") })

	defer func() {
		if r := recover(); r != nil {
			err = recoveredLoadError(r)
		}
		mu.Lock()
		finished = true
		mu.Unlock()
		timer.Stop()
		stop()
		rt.ClearInterrupt()
		if ie := interruptedLoad(err); ie != nil {
			obj, meta, err = nil, Meta{}, ie
		}
	}()

	exported, err := evaluate(rt, name, src)
	if err != nil {
		return nil, Meta{}, err
	}
	obj, err = instantiate(rt, exported)
	if err != nil {
		return nil, Meta{}, err
	}
	meta, err = validateContract(obj)
	if err != nil {
		return nil, Meta{}, err
	}
	return obj, meta, nil
}

func evaluate(rt *goja.Runtime, name, src string) (goja.Value, error) {
	if _, err := rt.RunScript(name, src); err != nil {
		msg, _ := exceptionInfo(err)
		return nil, newError(CodeLoadFailed, "module evaluation failed: "+msg, err)
	}
	module, ok := rt.Get("module").(*goja.Object)
	if !ok {
		return nil, newError(CodeInvalidExport, "module object was replaced", nil)
	}
	return module.Get("exports"), nil
}

// interruptedLoad reports a load deadline or cancellation anywhere in err's
// chain as GAMEPLAY_LOAD_FAILED.
func interruptedLoad(err error) *Error {
	var interrupted *goja.InterruptedError
	if !errors.As(err, &interrupted) {
		return nil
	}
	if li, ok := interrupted.Value().(loadInterrupt); ok {
		return newError(CodeLoadFailed, li.reason, err)
	}
	return newError(CodeLoadFailed, "module load interrupted", err)
}

func recoveredLoadError(r any) error {
	if err, ok := r.(error); ok {
		if ie := interruptedLoad(err); ie != nil {
			return ie
		}
		msg, _ := exceptionInfo(err)
		return newError(CodeLoadFailed, "module validation failed: "+msg, err)
	}
	return newError(CodeLoadFailed, fmt.Sprintf("module validation failed: %v", r), nil)
}

// RewriteExports turns ES module export statements into CommonJS
// assignments. It is a textual rewrite for the two common forms:
// `export default X` and `export { a, b as c }`.
func RewriteExports(src string) string {
	src = exportDefaultRe.ReplaceAllString(src, "module.exports = ")
	return exportListRe.ReplaceAllStringFunc(src, func(stmt string) string {
		inner := exportListRe.FindStringSubmatch(stmt)[1]
		var fields []string
		for _, item := range strings.Split(inner, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			local, exported := item, item
			if parts := strings.Fields(item); len(parts) == 3 && parts[1] == "as" {
				local, exported = parts[0], parts[2]
			}
			fields = append(fields, exported+": "+local)
		}
		return "module.exports = { " + strings.Join(fields, ", ") + " };"
	})
}

func instantiate(rt *goja.Runtime, v goja.Value) (*goja.Object, error) {
	if isNullish(v) {
		return nil, newError(CodeInvalidExport, "module exports nothing", nil)
	}
	if fn, ok := goja.AssertFunction(v); ok {
		if isClass(v) {
			obj, err := rt.New(v)
			if err != nil {
				return nil, newError(CodeInvalidExport, "module class constructor failed", err)
			}
			return obj, nil
		}
		res, err := fn(goja.Undefined())
		if err != nil {
			if msg, _ := exceptionInfo(err); strings.Contains(msg, "Class constructor") {
				obj, nerr := rt.New(v)
				if nerr == nil {
					return obj, nil
				}
			}
			return nil, newError(CodeInvalidExport, "module factory failed", err)
		}
		v = res
	}
	obj, ok := v.(*goja.Object)
	if !ok || isNullish(v) {
		return nil, newError(CodeInvalidExport, "module export must be an object or class instance", nil)
	}
	if _, isFn := goja.AssertFunction(obj); isFn {
		return nil, newError(CodeInvalidExport, "module export must be an object or class instance", nil)
	}
	return obj, nil
}

func isClass(v goja.Value) bool {
	return classSourceRe.MatchString(strings.TrimSpace(v.String()))
}

func validateContract(obj *goja.Object) (Meta, error) {
	for _, field := range []string{"title", "description", "requiredDevices"} {
		if obj.Get(field) == nil {
			return Meta{}, newError(CodeMissingField, "module is missing field "+field, nil)
		}
	}
	devices, ok := obj.Get("requiredDevices").(*goja.Object)
	if !ok || devices.ClassName() != "Array" {
		return Meta{}, newError(CodeMissingField, "module field requiredDevices must be an array", nil)
	}
	for _, method := range []string{"start", "loop"} {
		if _, ok := goja.AssertFunction(obj.Get(method)); !ok {
			return Meta{}, newError(CodeMissingMethod, "module method "+method+" must be a function", nil)
		}
	}

	meta := Meta{
		Title:           stringValue(obj.Get("title")),
		Description:     stringValue(obj.Get("description")),
		RequiredDevices: requiredDevices(devices.Export()),
		Parameters:      parameters(obj.Get("parameter")),
	}
	if schema, ok := obj.Get("parameterSchema").(*goja.Object); ok {
		meta.ParameterSchema = schema.Export()
	}
	return meta, nil
}

func requiredDevices(raw any) []RequiredDevice {
	items, _ := raw.([]any)
	out := make([]RequiredDevice, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, RequiredDevice{
			LogicalID: asString(m["logicalId"]),
			Name:      asString(m["name"]),
			Type:      asString(m["type"]),
			Interface: asString(m["interface"]),
			Required:  asBool(m["required"]),
		})
	}
	return out
}

func parameters(v goja.Value) []Parameter {
	arr, ok := v.(*goja.Object)
	if !ok || arr.ClassName() != "Array" {
		return nil
	}
	items, _ := arr.Export().([]any)
	out := make([]Parameter, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, Parameter{
			Key:      asString(m["key"]),
			Type:     asString(m["type"]),
			Name:     asString(m["name"]),
			Required: asBool(m["required"]),
			Default:  m["default"],
			Min:      asNumber(m["min"]),
			Max:      asNumber(m["max"]),
		})
	}
	return out
}

func isNullish(v goja.Value) bool {
	return v == nil || goja.IsUndefined(v) || goja.IsNull(v)
}

func stringValue(v goja.Value) string {
	if isNullish(v) {
		return ""
	}
	return v.String()
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asNumber(v any) *float64 {
	var f float64
	switch n := v.(type) {
	case int64:
		f = float64(n)
	case float64:
		f = n
	case int:
		f = float64(n)
	default:
		return nil
	}
	return &f
}

// exceptionInfo extracts a message and an optional `code` property from a
// script error.
func exceptionInfo(err error) (message, code string) {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		if obj, ok := ex.Value().(*goja.Object); ok {
			message = stringValue(obj.Get("message"))
			code = stringValue(obj.Get("code"))
		}
		if message == "" {
			message = stringValue(ex.Value())
		}
		return message, code
	}
	return err.Error(), ""
}
