package universe

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		raw     string
		want    Code
		wantErr bool
	}{
		{raw: "hin_Deva", want: Code{Base: "hin", Script: "Deva"}},
		{raw: "nan_Latn", want: Code{Base: "nan", Script: "Latn"}},
		{raw: "cmn_Hans_beij", want: Code{Base: "cmn", Script: "Hans", Variant: "beij"}},
		{raw: "abc_Latn_x_y", want: Code{Base: "abc", Script: "Latn", Variant: "x_y"}},
		{raw: "hin", wantErr: true},
		{raw: "_Deva", wantErr: true},
		{raw: "hin_", wantErr: true},
		{raw: "hin_Deva_", wantErr: true},
		{raw: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := Parse(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.raw, got.String(), "code must round-trip")
		})
	}
}

func TestBases(t *testing.T) {
	got := Bases([]string{"mar_Deva", "hin_Deva", "hin_Latn", "bad", "awa_Deva"})
	assert.Equal(t, []string{"awa", "hin", "mar"}, got)
}

func TestScriptFilter(t *testing.T) {
	codes := []string{"hin_Deva", "urd_Arab", "eng_Latn", "broken", "mai_Deva"}

	assert.Equal(t, []string{"hin_Deva", "mai_Deva"}, ParseScriptFilter("Deva").Apply(codes))
	assert.Equal(t, []string{"hin_Deva", "urd_Arab", "mai_Deva"}, ParseScriptFilter(" Deva , Arab ").Apply(codes))

	all := ParseScriptFilter("*")
	assert.True(t, all.All())
	assert.Equal(t, []string{"hin_Deva", "urd_Arab", "eng_Latn", "mai_Deva"}, all.Apply(codes))

	assert.True(t, ParseScriptFilter(" , ").All())
}

func TestSkipList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skip.txt")
	require.NoError(t, os.WriteFile(path, []byte("# broken upstream\nawa\n\n  bho_Deva  \n#mai\n"), 0o644))

	sl, err := LoadSkipList(path)
	require.NoError(t, err)
	assert.Equal(t, 2, sl.Len())

	assert.True(t, sl.Skips("awa_Deva"), "bare base matches every script")
	assert.True(t, sl.Skips("awa_Latn"))
	assert.True(t, sl.Skips("bho_Deva"))
	assert.False(t, sl.Skips("bho_Latn"))
	assert.False(t, sl.Skips("mai_Deva"))

	got := sl.Apply([]string{"hin_Deva", "awa_Deva", "bho_Deva", "mai_Deva"})
	assert.Equal(t, []string{"hin_Deva", "mai_Deva"}, got)
}

func TestLoadSkipList_MissingOrEmpty(t *testing.T) {
	sl, err := LoadSkipList("")
	require.NoError(t, err)
	assert.Equal(t, 0, sl.Len())

	sl, err = LoadSkipList(filepath.Join(t.TempDir(), "nope.txt"))
	require.NoError(t, err)
	assert.Equal(t, 0, sl.Len())

	codes := []string{"hin_Deva"}
	assert.Equal(t, codes, sl.Apply(codes))
}

type stubProvider struct {
	name  string
	codes []string
	err   error
	calls int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Codes(context.Context) ([]string, error) {
	s.calls++
	return s.codes, s.err
}

func TestLoad_FirstSuccessWins(t *testing.T) {
	first := &stubProvider{name: "cmd", err: ErrUnavailable}
	second := &stubProvider{name: "text", codes: []string{"hin_Deva"}}
	third := &stubProvider{name: "json", codes: []string{"mar_Deva"}}

	codes, from, err := Load(context.Background(), first, second, third)
	require.NoError(t, err)
	assert.Equal(t, []string{"hin_Deva"}, codes)
	assert.Equal(t, "text", from)
	assert.Equal(t, 0, third.calls)
}

func TestLoad_AllUnavailable(t *testing.T) {
	_, _, err := Load(context.Background(),
		&stubProvider{name: "cmd", err: ErrUnavailable},
		&stubProvider{name: "text", err: ErrUnavailable},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no code source available")
}

func TestLoad_HardErrorStops(t *testing.T) {
	next := &stubProvider{name: "json", codes: []string{"hin_Deva"}}
	_, _, err := Load(context.Background(),
		&stubProvider{name: "text", err: errors.New("permission denied")},
		next,
	)
	require.Error(t, err)
	assert.Equal(t, 0, next.calls)
}

func TestTextFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "supported_langs.txt")
	require.NoError(t, os.WriteFile(path, []byte("hin_Deva\r\n\n  nan_Latn \nmar_Deva"), 0o644))

	codes, err := TextFile{Path: path}.Codes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"hin_Deva", "nan_Latn", "mar_Deva"}, codes)

	_, err = TextFile{Path: filepath.Join(dir, "missing.txt")}.Codes(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestJSONFile_KeepsNanAndSkipsNonStrings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "supported_langs.json")
	require.NoError(t, os.WriteFile(path, []byte(`["hin_Deva", null, "nan", 1.5, "nan_Latn"]`), 0o644))

	codes, err := JSONFile{Path: path}.Codes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"hin_Deva", "nan", "nan_Latn"}, codes)
}

func TestJSONFile_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "supported_langs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"codes": []}`), 0o644))

	_, err := JSONFile{Path: path}.Codes(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	ctx := context.Background()

	codes, err := Command{Path: "/bin/sh", Args: []string{"-c", `printf 'hin_Deva\nmar_Deva\n'`}}.Codes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"hin_Deva", "mar_Deva"}, codes)

	codes, err = Command{Path: "/bin/sh", Args: []string{"-c", `echo '["nan_Latn", null]'`}}.Codes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"nan_Latn"}, codes)

	_, err = Command{Path: "/bin/sh", Args: []string{"-c", "exit 3"}}.Codes(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = Command{Path: "definitely-not-a-real-binary-xyz"}.Codes(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = Command{}.Codes(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
}
