package runner

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecks(t *testing.T) {
	resp := &Response{
		StatusCode: 201,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       []byte(`{"id": 42}`),
		Duration:   120 * time.Millisecond,
	}

	assert.True(t, Status2xx().Fn(resp))
	assert.False(t, StatusIs(200).Fn(resp))
	assert.True(t, StatusIn(200, 201).Fn(resp))
	assert.Equal(t, "status in [200,201]", StatusIn(200, 201).Name)
	assert.True(t, BodyContains(`"id"`).Fn(resp))
	assert.False(t, BodyContains("error").Fn(resp))
	assert.True(t, HeaderPresent("content-type").Fn(resp))
	assert.False(t, HeaderPresent("X-Trace").Fn(resp))
	assert.True(t, MaxDuration(200*time.Millisecond).Fn(resp))
	assert.False(t, MaxDuration(100*time.Millisecond).Fn(resp))

	assert.Equal(t, "created", StatusIs(201).Named("created").Name)
	assert.Equal(t, "is status 201", StatusIs(201).Named("").Name)

	assert.Equal(t, []string{"is status 200"}, runChecks([]Check{Status2xx(), StatusIs(200)}, resp))
	assert.Nil(t, runChecks([]Check{Status2xx()}, resp))
}

func TestTemplateEngine(t *testing.T) {
	e := NewTemplateEngine()

	tmpl, err := e.Parse("t", `{{userID}}-{{uuid}}-{{vu}}-{{iteration}}-{{randomInt 5 6}}-{{randomChoice "a"}}`)
	require.NoError(t, err)
	out, err := e.Execute(tmpl, TemplateData{UserID: "u", UUID: "id", VU: 2, Iteration: 9})
	require.NoError(t, err)
	assert.Equal(t, "u-id-2-9-5-a", out)

	path := filepath.Join(t.TempDir(), "names.txt")
	require.NoError(t, os.WriteFile(path, []byte("\nalice\n\n"), 0o644))
	tmpl, err = e.Parse("line", `{{randomLine "`+path+`"}}`)
	require.NoError(t, err)
	out, err = e.Execute(tmpl, TemplateData{})
	require.NoError(t, err)
	assert.Equal(t, "alice", out)

	tmpl, err = e.Parse("missing", `{{randomLine "/does/not/exist"}}`)
	require.NoError(t, err)
	_, err = e.Execute(tmpl, TemplateData{})
	assert.Error(t, err)
}

func TestCompileRequestKeepsPlainFields(t *testing.T) {
	rt, err := compileRequest(NewTemplateEngine(), Request{Method: "GET", URL: "http://a.test/x", Body: "plain"})
	require.NoError(t, err)
	assert.Nil(t, rt.url.tmpl)
	assert.Nil(t, rt.body.tmpl)

	req, err := rt.render(TemplateData{})
	require.NoError(t, err)
	assert.Equal(t, Request{Method: "GET", URL: "http://a.test/x", Body: "plain"}, req)
}
