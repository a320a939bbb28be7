package persona

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/cinegen/embedding"
	"github.com/BaSui01/cinegen/types"
	"github.com/BaSui01/cinegen/vectorstore"
)

func newTestService(t *testing.T, assets AssetStore) (*Service, *vectorstore.MemoryStore) {
	t.Helper()
	store := vectorstore.NewMemoryStore(64, nil)
	return NewService(NewMemoryRegistry(), store, embedding.NewHashProvider(64), assets, nil), store
}

func TestService_UploadAndDelete(t *testing.T) {
	ctx := context.Background()
	assetsDir := t.TempDir()
	svc, store := newTestService(t, NewLocalAssetStore(assetsDir))

	p := &Persona{ID: "alex", Name: "Alex"}
	require.NoError(t, svc.Create(ctx, p))

	res, err := svc.Upload(ctx, UploadRequest{
		PersonaID: "alex",
		Emotion:   Inspired,
		Images: []UploadImage{
			{Filename: "smile.JPG", Data: []byte("fake-jpeg-bytes-1"), Caption: "big smile"},
			{URL: "https://cdn.example.com/alex/wave.png"},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.True(t, strings.HasPrefix(res.Records[0].Location, "file://"))
	assert.True(t, strings.HasSuffix(res.Records[0].Location, ".jpg"))
	assert.Equal(t, "https://cdn.example.com/alex/wave.png", res.Records[1].Location)
	assert.Nil(t, res.Records[0].Vector)

	written, err := filepath.Glob(filepath.Join(assetsDir, "alex", "inspired", "*.jpg"))
	require.NoError(t, err)
	assert.Len(t, written, 1)

	// 相同内容重复上传不会新增记录
	_, err = svc.Upload(ctx, UploadRequest{
		PersonaID: "alex",
		Emotion:   Inspired,
		Images:    []UploadImage{{Filename: "smile.jpg", Data: []byte("fake-jpeg-bytes-1")}},
	})
	require.NoError(t, err)

	counts, err := svc.ReferenceCounts(ctx, "alex")
	require.NoError(t, err)
	assert.Equal(t, 2, counts[Inspired])
	assert.Equal(t, 0, counts[Neutral])

	removed, err := svc.Delete(ctx, "alex")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	n, err := store.Count(ctx, vectorstore.Filter{})
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = svc.Get(ctx, "alex")
	assert.ErrorIs(t, err, types.KindPersonaNotFound)
}

func TestService_UploadValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)
	require.NoError(t, svc.Create(ctx, &Persona{ID: "alex", Name: "Alex"}))

	tests := []struct {
		name string
		req  UploadRequest
		kind types.ErrorKind
	}{
		{"unknown emotion", UploadRequest{PersonaID: "alex", Emotion: "sleepy", Images: []UploadImage{{Data: []byte("x")}}}, types.ErrValidation},
		{"no images", UploadRequest{PersonaID: "alex", Emotion: Neutral}, types.ErrValidation},
		{"both data and url", UploadRequest{PersonaID: "alex", Emotion: Neutral, Images: []UploadImage{{Data: []byte("x"), URL: "https://a/b.png"}}}, types.ErrValidation},
		{"bad url scheme", UploadRequest{PersonaID: "alex", Emotion: Neutral, Images: []UploadImage{{URL: "ftp://a/b.png"}}}, types.ErrValidation},
		{"unknown persona", UploadRequest{PersonaID: "ghost", Emotion: Neutral, Images: []UploadImage{{Data: []byte("x")}}}, types.ErrPersonaNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Upload(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, types.KindOf(err))
		})
	}
}

func TestService_UploadWithoutAssetStore(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)
	require.NoError(t, svc.Create(ctx, &Persona{ID: "alex", Name: "Alex"}))

	res, err := svc.Upload(ctx, UploadRequest{
		PersonaID: "alex",
		Emotion:   Neutral,
		Images:    []UploadImage{{Filename: "a.png", Data: []byte("png")}},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Records[0].Location, "sha256://"))
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestService_LoadDir(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	meta, err := json.Marshal(map[string]any{
		"name":           "John Carter",
		"aliases":        []string{"JC"},
		"description":    "founder",
		"consent_status": "approved",
	})
	require.NoError(t, err)
	writeFile(t, filepath.Join(dir, "john", "metadata.json"), meta)
	for _, name := range []string{"a.jpg", "b.png", "c.webp", "d.jpeg", "notes.txt"} {
		writeFile(t, filepath.Join(dir, "john", "reference_frames", "neutral", name), []byte("img-"+name))
	}
	writeFile(t, filepath.Join(dir, "john", "reference_frames", "angry", "x.jpg"), []byte("angry-x"))

	// 无 metadata、情绪目录直接位于人设目录下
	writeFile(t, filepath.Join(dir, "sarah", "inspired", "s1.png"), []byte("sarah-1"))
	writeFile(t, filepath.Join(dir, "chroma_db", "ignored.bin"), []byte("x"))
	writeFile(t, filepath.Join(dir, ".hidden", "x.jpg"), []byte("x"))

	svc, _ := newTestService(t, nil)
	res, err := svc.LoadDir(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Personas)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 5, res.References)

	john, err := svc.Get(ctx, "john")
	require.NoError(t, err)
	assert.Equal(t, "John Carter", john.Name)
	assert.Equal(t, ConsentApproved, john.ConsentStatus)
	assert.ElementsMatch(t, []string{"JC", "john"}, john.Aliases)

	counts, err := svc.ReferenceCounts(ctx, "john")
	require.NoError(t, err)
	assert.Equal(t, MaxSeedImagesPerEmotion, counts[Neutral])
	assert.Equal(t, 1, counts[Angry])

	sarah, err := svc.Get(ctx, "sarah")
	require.NoError(t, err)
	assert.Equal(t, "sarah", sarah.Name)

	// 幂等
	res, err = svc.LoadDir(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Created)
	counts, err = svc.ReferenceCounts(ctx, "john")
	require.NoError(t, err)
	assert.Equal(t, 3, counts[Neutral])
}

func TestService_LoadDirMissing(t *testing.T) {
	svc, _ := newTestService(t, nil)
	_, err := svc.LoadDir(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestService_Search(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)
	require.NoError(t, svc.Create(ctx, &Persona{ID: "alex", Name: "Alex"}))
	_, err := svc.Upload(ctx, UploadRequest{
		PersonaID: "alex",
		Emotion:   Angry,
		Images: []UploadImage{
			{Filename: "a.jpg", Data: []byte("one"), Caption: "shouting at the screen"},
			{Filename: "b.jpg", Data: []byte("two"), Caption: "clenched fists"},
		},
	})
	require.NoError(t, err)

	matches, err := svc.Search(ctx, SearchQuery{Query: "Alex shouting", PersonaID: "alex"})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.GreaterOrEqual(t, matches[0].Score, matches[1].Score)
	assert.Nil(t, matches[0].Record.Vector)

	matches, err = svc.Search(ctx, SearchQuery{Query: "anything", Emotion: Relief})
	require.NoError(t, err)
	assert.Empty(t, matches)

	_, err = svc.Search(ctx, SearchQuery{Query: "  "})
	assert.ErrorIs(t, err, types.KindValidation)
	_, err = svc.Search(ctx, SearchQuery{Query: "x", Emotion: "joyful"})
	assert.ErrorIs(t, err, types.KindValidation)
}
