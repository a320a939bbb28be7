package video

import (
	"context"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/cinegen/types"
)

func TestMockProvider_Sync(t *testing.T) {
	p := NewMockProvider(MockConfig{})
	req := &Request{Prompt: "Alex working at a desk, focused", DurationSeconds: 8}
	req.Normalize()

	sub, err := p.Generate(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, sub.Result)
	assert.Empty(t, sub.OperationID)
	assert.Equal(t, MockName, sub.Result.Provider)
	assert.Equal(t, 8, sub.Result.DurationSeconds)
	assert.True(t, strings.HasPrefix(sub.Result.AssetLocation, "mock://videos/"))
	assert.True(t, strings.HasSuffix(sub.Result.AssetLocation, ".mp4"))
}

func TestMockProvider_AsyncPolls(t *testing.T) {
	ctx := context.Background()
	p := NewMockProvider(MockConfig{Async: true, PendingPolls: 2})

	sub, err := p.Generate(ctx, &Request{Prompt: "a quiet harbour at dawn", DurationSeconds: 5})
	require.NoError(t, err)
	require.Nil(t, sub.Result)
	require.NotEmpty(t, sub.OperationID)

	for i := 0; i < 2; i++ {
		st, err := p.GetStatus(ctx, sub.OperationID)
		require.NoError(t, err)
		assert.Equal(t, OperationPending, st.State)
	}
	st, err := p.GetStatus(ctx, sub.OperationID)
	require.NoError(t, err)
	assert.Equal(t, OperationSucceeded, st.State)
	require.NotNil(t, st.Result)
	assert.Equal(t, sub.OperationID, st.Result.OperationID)

	_, err = p.GetStatus(ctx, "nope")
	assert.ErrorIs(t, err, types.KindProviderPermanent)
}

func TestMockDigest_Normalization(t *testing.T) {
	a := &Request{Prompt: "Sarah  presenting\tan idea", References: []Reference{{ID: "b"}, {ID: "a"}}, DurationSeconds: 8}
	b := &Request{Prompt: "sarah presenting an IDEA ", References: []Reference{{ID: "a"}, {ID: "b"}}, DurationSeconds: 8}
	assert.Equal(t, MockDigest(a), MockDigest(b))

	c := *b
	c.DurationSeconds = 9
	assert.NotEqual(t, MockDigest(b), MockDigest(&c))
}

func TestProperty_MockDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("identical requests map to the same asset", prop.ForAll(
		func(prompt string, duration int, aspect string) bool {
			req := func() *Request {
				r := &Request{Prompt: prompt, DurationSeconds: duration, AspectRatio: aspect}
				r.Normalize()
				return r
			}
			first, err1 := NewMockProvider(MockConfig{}).Generate(context.Background(), req())
			second, err2 := NewMockProvider(MockConfig{}).Generate(context.Background(), req())
			return err1 == nil && err2 == nil &&
				first.Result.AssetLocation == second.Result.AssetLocation
		},
		gen.AlphaString(),
		gen.IntRange(1, 60),
		gen.OneConstOf("16:9", "9:16", "1:1"),
	))

	properties.Property("different prompts map to different assets", prop.ForAll(
		func(a, b string) bool {
			if normalizeText(a) == normalizeText(b) {
				return true
			}
			return MockDigest(&Request{Prompt: a}) != MockDigest(&Request{Prompt: b})
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
