package gameplay

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const objectModule = `
export default {
  title: "Lights",
  description: "blink",
  requiredDevices: [
    { logicalId: "lamp", name: "Lamp", type: "TD01", interface: "strength", required: true },
    { logicalId: "spare", name: "Spare" }
  ],
  parameter: [{ key: "rounds", type: "number", name: "Rounds", default: 3, min: 1, max: 10 }],
  start(p, params) {},
  loop(p) { return true; },
};
`

func TestRewriteExports(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "default", in: "export default foo;", want: "module.exports = foo;"},
		{name: "list", in: "export { a, b };", want: "module.exports = { a: a, b: b };"},
		{name: "alias", in: "export { game as default }", want: "module.exports = { default: game };"},
		{name: "untouched", in: "const x = 1;", want: "const x = 1;"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RewriteExports(tt.in))
		})
	}
}

func TestLoadObjectModule(t *testing.T) {
	m := mustLoad(t, objectModule)
	meta := m.Meta()
	assert.Equal(t, "Lights", meta.Title)
	assert.Equal(t, "blink", meta.Description)
	require.Len(t, meta.RequiredDevices, 2)
	assert.Equal(t, RequiredDevice{LogicalID: "lamp", Name: "Lamp", Type: "TD01", Interface: "strength", Required: true}, meta.RequiredDevices[0])
	assert.False(t, meta.RequiredDevices[1].Required)
	require.Len(t, meta.Parameters, 1)
	assert.Equal(t, "rounds", meta.Parameters[0].Key)
	require.NotNil(t, meta.Parameters[0].Max)
	assert.Equal(t, 10.0, *meta.Parameters[0].Max)
}

func TestLoadClassAndFactory(t *testing.T) {
	class := `
class Game {
  constructor() { this.title = "Class"; this.description = ""; this.requiredDevices = []; }
  start() {}
  loop() { return true; }
}
export default Game;
`
	factory := `
function make() {
  return { title: "Factory", description: "", requiredDevices: [], start() {}, loop() {} };
}
module.exports = make;
`
	assert.Equal(t, "Class", mustLoad(t, class).Meta().Title)
	assert.Equal(t, "Factory", mustLoad(t, factory).Meta().Title)
}

func TestLoadRejectsBadModules(t *testing.T) {
	tests := []struct {
		name string
		src  string
		code string
	}{
		{name: "empty exports", src: "const x = 1;", code: CodeMissingField},
		{name: "null export", src: "module.exports = null;", code: CodeInvalidExport},
		{name: "primitive export", src: "module.exports = 5;", code: CodeInvalidExport},
		{name: "factory throws", src: "module.exports = function() { throw new Error('no'); };", code: CodeInvalidExport},
		{name: "missing title", src: "module.exports = { description: '', requiredDevices: [], start() {}, loop() {} };", code: CodeMissingField},
		{name: "devices not array", src: "module.exports = { title: 't', description: '', requiredDevices: {}, start() {}, loop() {} };", code: CodeMissingField},
		{name: "missing loop", src: "module.exports = { title: 't', description: '', requiredDevices: [], start() {} };", code: CodeMissingMethod},
		{name: "start not function", src: "module.exports = { title: 't', description: '', requiredDevices: [], start: 1, loop() {} };", code: CodeMissingMethod},
		{name: "syntax error", src: "module.exports = {", code: CodeLoadFailed},
		{name: "throws at top level", src: "throw new Error('boom');", code: CodeLoadFailed},
	}
	loader := NewLoader(LoaderConfig{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := loader.LoadSource(context.Background(), "bad.js", tt.src)
			require.Error(t, err)
			assert.Nil(t, m)
			assert.Equal(t, tt.code, CodeOf(err))
		})
	}
}

func TestLoadTimesOut(t *testing.T) {
	loader := NewLoader(LoaderConfig{Timeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := loader.LoadSource(context.Background(), "spin.js", "while (true) {}")
	require.Error(t, err)
	assert.Equal(t, CodeLoadFailed, CodeOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLoadTimeoutCoversInstantiation(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{name: "class constructor", src: "module.exports = class G { constructor() { while (true) {} } };"},
		{name: "factory", src: "module.exports = function () { for (;;) {} };"},
		{name: "getter", src: `module.exports = { title: "t", description: "", start() {}, loop() {}, get requiredDevices() { while (true) {} } };`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := NewLoader(LoaderConfig{Timeout: 100 * time.Millisecond})
			done := make(chan error, 1)
			go func() {
				_, err := loader.LoadSource(context.Background(), "spin.js", tt.src)
				done <- err
			}()
			select {
			case err := <-done:
				require.Error(t, err)
				assert.Equal(t, CodeLoadFailed, CodeOf(err))
			case <-time.After(3 * time.Second):
				t.Fatal("load ignored its timeout")
			}
		})
	}
}

func TestLoadThrowingGetter(t *testing.T) {
	loader := NewLoader(LoaderConfig{})
	_, err := loader.LoadSource(context.Background(), "getter.js", `
module.exports = {
  title: "t", description: "", start() {}, loop() {},
  get requiredDevices() { throw new Error("nope"); },
};`)
	require.Error(t, err)
	assert.Equal(t, CodeLoadFailed, CodeOf(err))
}

func TestLoadCancelled(t *testing.T) {
	loader := NewLoader(LoaderConfig{Timeout: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := loader.LoadSource(ctx, "spin.js", "while (true) {}")
	require.Error(t, err)
	assert.Equal(t, CodeLoadFailed, CodeOf(err))
	assert.Contains(t, err.Error(), "cancelled")
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lights.js")
	require.NoError(t, os.WriteFile(path, []byte(objectModule), 0o644))

	loader := NewLoader(LoaderConfig{})
	meta, err := loader.Meta(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "Lights", meta.Title)

	_, err = loader.Load(context.Background(), filepath.Join(dir, "missing.js"))
	assert.Equal(t, CodeFileNotFound, CodeOf(err))
}

func TestScriptActionsAndHTML(t *testing.T) {
	m := mustLoad(t, `
module.exports = {
  title: "t", description: "", requiredDevices: [],
  count: 0,
  start() {}, loop() {},
  onAction(action, payload) {
    if (action === "add") { this.count += payload.n; return { count: this.count }; }
    if (action === "fail") { throw new Error("broken"); }
    const err = new Error("unknown action " + action);
    err.code = "GAMEPLAY_ACTION_NOT_SUPPORTED";
    throw err;
  },
  getHtml() { return "<p>hi</p>"; },
};
`)
	res, err := m.OnAction("add", map[string]any{"n": 2}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.(map[string]any)["count"])

	_, err = m.OnAction("fail", nil, nil)
	assert.Equal(t, CodeActionFailed, CodeOf(err))
	assert.Contains(t, err.Error(), "broken")

	_, err = m.OnAction("jump", nil, nil)
	assert.Equal(t, CodeActionNotSupported, CodeOf(err))

	html, err := m.HTML()
	require.NoError(t, err)
	assert.Equal(t, "<p>hi</p>", html)
}

func TestScriptHTMLFallbacks(t *testing.T) {
	withField := mustLoad(t, `module.exports = { title: "t", description: "", requiredDevices: [], html: "<b>x</b>", start() {}, loop() {} };`)
	html, err := withField.HTML()
	require.NoError(t, err)
	assert.Equal(t, "<b>x</b>", html)

	without := mustLoad(t, `module.exports = { title: "t", description: "", requiredDevices: [], start() {}, loop() {} };`)
	_, err = without.HTML()
	assert.Equal(t, CodeHTMLNotAvailable, CodeOf(err))

	_, err = without.OnAction("x", nil, nil)
	assert.Equal(t, CodeActionNotSupported, CodeOf(err))

	empty := mustLoad(t, `module.exports = { title: "t", description: "", requiredDevices: [], html: null, getHtml() {}, start() {}, loop() {} };`)
	_, err = empty.HTML()
	assert.Equal(t, CodeHTMLNotAvailable, CodeOf(err))
}

func TestScriptLoopResult(t *testing.T) {
	m := mustLoad(t, `
module.exports = {
  title: "t", description: "", requiredDevices: [], n: 0,
  start() {},
  loop() { this.n++; if (this.n >= 2) return false; },
};
`)
	cont, err := m.Loop(nil)
	require.NoError(t, err)
	assert.True(t, cont)
	cont, err = m.Loop(nil)
	require.NoError(t, err)
	assert.False(t, cont)
}

func TestScriptTimersArmOnStart(t *testing.T) {
	out := &fakeOutput{}
	m := mustLoad(t, `
let fired = 0;
setTimeout(() => { fired++; }, 0);
module.exports = {
  title: "t", description: "", requiredDevices: [],
  start(p) { setTimeout(() => { fired++; p.emitState({ fired: fired }); }, 10); },
  loop() {},
};
`)
	p := newProxy(proxyConfig{Binding: Binding{}, Listeners: NewListeners(), Out: out, Log: sessionLog{logger: testLogger(), out: out}})
	require.NoError(t, m.Start(p, nil))
	require.Eventually(t, func() bool {
		states := out.States()
		return len(states) == 1 && states[0]["fired"] == int64(2)
	}, time.Second, 5*time.Millisecond)
}
