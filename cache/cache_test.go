package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalizeDeterministic(t *testing.T) {
	t.Parallel()

	paths := []string{
		"",
		"user-1/items/abc.jpg",
		"user-1/items/abc.jpg?token=x",
		"ユーザー/画像 1.png",
		"../../etc/passwd",
	}
	for _, p := range paths {
		first := Canonicalize(p)
		for range 3 {
			assert.Equal(t, first, Canonicalize(p))
		}
		assert.True(t, first.Valid(), "key for %q should be valid", p)
	}
}

func TestCanonicalizeMatchesSHA256(t *testing.T) {
	t.Parallel()

	path := "user-1/items/abc.jpg"
	sum := sha256.Sum256([]byte(path))

	assert.Equal(t, hex.EncodeToString(sum[:]), Canonicalize(path).String())
}

func TestCanonicalizeDistinct(t *testing.T) {
	t.Parallel()

	assert.NotEqual(t, Canonicalize("a/b"), Canonicalize("a%2Fb"))
	assert.NotEqual(t, Canonicalize("a"), Canonicalize("A"))
}

func TestKeyValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		key  Key
		want bool
	}{
		{name: "canonical", key: Canonicalize("x"), want: true},
		{name: "empty", key: "", want: false},
		{name: "short", key: "abc", want: false},
		{name: "uppercase", key: Key("A" + string(Canonicalize("x"))[1:]), want: false},
		{name: "path separator", key: Key("../" + string(Canonicalize("x"))[3:]), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.key.Valid())
		})
	}
}
