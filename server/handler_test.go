package server

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krau/tailtagger/classifier"
	"github.com/krau/tailtagger/jtp2"
	"github.com/krau/tailtagger/jtp3"
)

func setupManager(t *testing.T) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	manager = classifier.NewManager(
		t.TempDir(),
		[]classifier.Adapter{jtp2.New(), jtp3.New()},
		classifier.Options{Workers: 1},
	)
	t.Cleanup(Close)
}

func testContext(t *testing.T, req *http.Request) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	return c, w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func uploadRequest(t *testing.T, query string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "test.png")
	require.NoError(t, err)
	_, err = fw.Write([]byte("fake image bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/predict"+query, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestModelsHandlerEmpty(t *testing.T) {
	setupManager(t)
	c, w := testContext(t, httptest.NewRequest("GET", "/models", nil))
	ModelsHandler(c)

	assert.Equal(t, 200, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "unloaded", body["state"])
	assert.Empty(t, body["models"])
}

func TestHealthHandler(t *testing.T) {
	setupManager(t)
	c, w := testContext(t, httptest.NewRequest("GET", "/health", nil))
	HealthHandler(c)

	assert.Equal(t, 200, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "unloaded", body["state"])
}

func TestPredictHandlerWithoutFile(t *testing.T) {
	setupManager(t)
	c, w := testContext(t, httptest.NewRequest("POST", "/predict", nil))
	PredictHandler(c)
	assert.Equal(t, 400, w.Code)
}

func TestPredictHandlerInvalidThreshold(t *testing.T) {
	setupManager(t)
	for _, q := range []string{"?threshold=5", "?threshold=-2", "?threshold=abc"} {
		c, w := testContext(t, uploadRequest(t, q))
		PredictHandler(c)
		assert.Equal(t, 400, w.Code, "query %s", q)
	}
}

func TestPredictHandlerNoModelsInstalled(t *testing.T) {
	setupManager(t)
	c, w := testContext(t, uploadRequest(t, ""))
	PredictHandler(c)
	assert.Equal(t, 503, w.Code)
}

func TestSwitchModelHandler(t *testing.T) {
	setupManager(t)

	req := httptest.NewRequest("PUT", "/model", strings.NewReader(`{"id":"nope"}`))
	req.Header.Set("Content-Type", "application/json")
	c, w := testContext(t, req)
	SwitchModelHandler(c)
	assert.Equal(t, 404, w.Code)

	req = httptest.NewRequest("PUT", "/model", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	c, w = testContext(t, req)
	SwitchModelHandler(c)
	assert.Equal(t, 400, w.Code)
}
