package handlers

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/cinegen/persona"
	"github.com/BaSui01/cinegen/types"
	"github.com/BaSui01/cinegen/vectorstore"
)

func createPersona(t *testing.T, api *testAPI, body CreatePersonaRequest) persona.Persona {
	t.Helper()
	resp, env := api.do(t, http.MethodPost, "/personas", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "%+v", env.Error)
	return decodeData[persona.Persona](t, env)
}

func TestPersona_CreateListGet(t *testing.T) {
	api := newTestAPI(t)

	p := createPersona(t, api, CreatePersonaRequest{ID: "alex", Name: " Alex ", Aliases: []string{"Al"}})
	assert.Equal(t, "alex", p.ID)
	assert.Equal(t, "Alex", p.Name)
	assert.Equal(t, persona.ConsentPending, p.ConsentStatus)

	generated := createPersona(t, api, CreatePersonaRequest{Name: "Sarah", ConsentStatus: "approved"})
	assert.NotEmpty(t, generated.ID)

	resp, env := api.do(t, http.MethodPost, "/personas", CreatePersonaRequest{ID: "alex", Name: "Alex again"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, types.ErrConflict, env.Error.Kind)

	resp, env = api.do(t, http.MethodPost, "/personas", CreatePersonaRequest{Name: "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, types.ErrValidation, env.Error.Kind)

	resp, env = api.do(t, http.MethodGet, "/personas", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeData[struct {
		Personas []persona.Persona `json:"personas"`
		Total    int               `json:"total"`
	}](t, env)
	assert.Equal(t, 2, list.Total)
	assert.Equal(t, "alex", list.Personas[0].ID)

	resp, env = api.do(t, http.MethodGet, "/personas/alex", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decodeData[PersonaView](t, env)
	assert.Equal(t, "Alex", view.Name)
	assert.Equal(t, 0, view.TotalReferences)
	assert.Len(t, view.References, len(persona.Emotions))

	resp, env = api.do(t, http.MethodGet, "/personas/nobody", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, types.ErrPersonaNotFound, env.Error.Kind)
}

func TestPersona_UploadJSON(t *testing.T) {
	api := newTestAPI(t)
	createPersona(t, api, CreatePersonaRequest{ID: "alex", Name: "Alex"})

	body := map[string]any{
		"emotion": "Inspired",
		"images": []map[string]any{
			{"filename": "smile.jpg", "data": []byte("jpeg-bytes"), "caption": "big smile"},
			{"url": "https://cdn.example.com/alex/wave.png"},
		},
	}
	resp, env := api.do(t, http.MethodPost, "/personas/alex/upload", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "%+v", env.Error)
	res := decodeData[persona.UploadResult](t, env)
	assert.Equal(t, persona.Inspired, res.Emotion)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "https://cdn.example.com/alex/wave.png", res.Records[1].Location)

	_, env = api.do(t, http.MethodGet, "/personas/alex", nil)
	view := decodeData[PersonaView](t, env)
	assert.Equal(t, 2, view.References[persona.Inspired])
	assert.Equal(t, 2, view.TotalReferences)

	resp, env = api.do(t, http.MethodPost, "/personas/alex/upload", map[string]any{"emotion": "joyful", "images": []any{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, env.Error.Message, "joyful")

	resp, _ = api.do(t, http.MethodPost, "/personas/ghost/upload", map[string]any{
		"emotion": "neutral",
		"images":  []map[string]any{{"url": "https://cdn.example.com/x.png"}},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPersona_UploadMultipart(t *testing.T) {
	api := newTestAPI(t)
	createPersona(t, api, CreatePersonaRequest{ID: "john", Name: "John"})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("emotion", "angry"))
	for _, name := range []string{"a.png", "b.png"} {
		fw, err := mw.CreateFormFile("images", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte("png-" + name))
		require.NoError(t, err)
	}
	require.NoError(t, mw.WriteField("captions", "first"))
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, api.server.URL+"/personas/john/upload", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, env := api.send(t, req)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "%+v", env.Error)

	res := decodeData[persona.UploadResult](t, env)
	assert.Equal(t, persona.Angry, res.Emotion)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "first", res.Records[0].Caption)
	assert.Empty(t, res.Records[1].Caption)
}

func TestPersona_UploadMultipartTooLarge(t *testing.T) {
	api := newTestAPI(t)
	createPersona(t, api, CreatePersonaRequest{ID: "john", Name: "John"})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("images", "huge.png")
	require.NoError(t, err)
	_, err = fw.Write(bytes.Repeat([]byte{0xff}, 1<<20+64<<10))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, api.server.URL+"/personas/john/upload", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, env := api.send(t, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, types.ErrValidation, env.Error.Kind)
}

func TestPersona_DeleteRemovesReferences(t *testing.T) {
	api := newTestAPI(t)
	createPersona(t, api, CreatePersonaRequest{ID: "alex", Name: "Alex"})
	resp, _ := api.do(t, http.MethodPost, "/personas/alex/upload", map[string]any{
		"emotion": "neutral",
		"images":  []map[string]any{{"url": "https://cdn.example.com/a.png"}, {"url": "https://cdn.example.com/b.png"}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, env := api.do(t, http.MethodDelete, "/personas/alex", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeData[map[string]any](t, env)
	assert.Equal(t, float64(2), out["references_removed"])

	resp, _ = api.do(t, http.MethodGet, "/personas/alex", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = api.do(t, http.MethodDelete, "/personas/alex", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSearchSimilar(t *testing.T) {
	api := newTestAPI(t)
	createPersona(t, api, CreatePersonaRequest{ID: "alex", Name: "Alex"})
	resp, _ := api.do(t, http.MethodPost, "/personas/alex/upload", map[string]any{
		"emotion": "reflective",
		"images": []map[string]any{
			{"url": "https://cdn.example.com/a.png", "caption": "gazing at the sea"},
			{"url": "https://cdn.example.com/b.png", "caption": "reading by the window"},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, env := api.do(t, http.MethodPost, "/search/similar", SearchRequest{Query: "Alex gazing at the sea", K: 1})
	require.Equal(t, http.StatusOK, resp.StatusCode, "%+v", env.Error)
	out := decodeData[struct {
		Results []vectorstore.Match `json:"results"`
		Total   int                 `json:"total"`
	}](t, env)
	require.Equal(t, 1, out.Total)
	assert.Equal(t, "alex", out.Results[0].Record.PersonaID)
	assert.Empty(t, out.Results[0].Record.Vector)

	resp, env = api.do(t, http.MethodPost, "/search/similar", SearchRequest{Query: "x", Emotion: "giddy"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, types.ErrValidation, env.Error.Kind)

	resp, _ = api.do(t, http.MethodPost, "/search/similar", SearchRequest{Query: ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
