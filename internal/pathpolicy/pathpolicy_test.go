package pathpolicy

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSegment(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"passthrough", "Projects-2024", "Projects-2024"},
		{"whitespace becomes underscore", "Quarter Report 1", "Quarter_Report_1"},
		{"umlaut decomposes", "Müller", "Muller"},
		{"eszett replaced", "Straße", "Stra_e"},
		{"underscore runs collapse", "a  __  b", "a_b"},
		{"slash replaced", "a/b", "a_b"},
		{"dots survive", "v1.2.3", "v1.2.3"},
		{"only junk collapses to underscore", "///", "_"},
		{"empty stays empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SanitizeSegment(tc.in))
		})
	}
}

func TestValidateSegments(t *testing.T) {
	require.NoError(t, ValidateSegments([]string{"a", "b", "c"}))

	err := ValidateSegments([]string{""})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty path segment")

	err = ValidateSegments([]string{".."})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dot segments")

	err = ValidateSegments([]string{"a/b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path separators")

	err = ValidateSegments([]string{"bad\x00seg"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "null bytes")

	long := make([]byte, DefaultMaxLength+1)
	for i := range long {
		long[i] = 'x'
	}
	err = ValidateSegments([]string{string(long)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too long")

	deep := make([]string, DefaultMaxDepth+1)
	for i := range deep {
		deep[i] = "d"
	}
	err = ValidateSegments(deep)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many path segments")

	// options tighten the limits
	err = ValidateSegments([]string{"a", "b"}, WithMaxDepth(1))
	require.Error(t, err)

	require.NoError(t, ValidateSegments([]string{string(long)}, WithMaxLength(FilenameMaxLength)))
}

func TestEnsureWithinRoot(t *testing.T) {
	root := filepath.Join("/srv", "archive")

	require.NoError(t, EnsureWithinRoot(root, filepath.Join(root, "user", "a")))
	require.NoError(t, EnsureWithinRoot(root, root))

	err := EnsureWithinRoot(root, filepath.Join("/srv", "other"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes root")

	// sibling with the root as name prefix must not pass
	err = EnsureWithinRoot(root, filepath.Join("/srv", "archive-evil", "x"))
	require.Error(t, err)
}

func TestBuildTargetDir(t *testing.T) {
	root := filepath.Join("/srv", "archive")

	dir, err := BuildTargetDir(root, "agent.smith", []string{"Projects", "2024"}, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "agent.smith", "Projects", "2024"), dir)
}

func TestBuildTargetDirSanitizesInputs(t *testing.T) {
	root := filepath.Join("/srv", "archive")

	dir, err := BuildTargetDir(root, "Jörg Müller", []string{"Quarter Report", "Ü2"}, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "Jorg_Muller", "Quarter_Report", "U2"), dir)
}

func TestBuildTargetDirRejectsTraversal(t *testing.T) {
	root := filepath.Join("/srv", "archive")

	_, err := BuildTargetDir(root, "user", []string{".."}, nil)
	require.Error(t, err)

	_, err = BuildTargetDir(root, "../../etc", []string{"x"}, nil)
	require.Error(t, err)

	_, err = BuildTargetDir(root, "user", []string{"a", ""}, nil)
	require.Error(t, err)
}

func TestBuildTargetDirAllowPrefixes(t *testing.T) {
	root := filepath.Join("/srv", "archive")
	allow := []string{"Projects > 2024", "Legal/Contracts"}

	dir, err := BuildTargetDir(root, "user", []string{"Projects", "2024", "Q3"}, allow)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "user", "Projects", "2024", "Q3"), dir)

	dir, err = BuildTargetDir(root, "user", []string{"Legal", "Contracts"}, allow)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "user", "Legal", "Contracts"), dir)

	_, err = BuildTargetDir(root, "user", []string{"Private"}, allow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allow_prefixes")

	// prefix match happens after sanitization on both sides
	dir, err = BuildTargetDir(root, "user", []string{"Projects", "2024"}, []string{"Pröjects"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "user", "Projects", "2024"), dir)

	// empty allowlist rejects everything
	_, err = BuildTargetDir(root, "user", []string{"Projects"}, []string{})
	require.Error(t, err)
}

func TestBuildFilename(t *testing.T) {
	name, err := BuildFilename("Ticket-{ticket_number}_{timestamp_utc}.pdf", "20240101", "2024-06-01")
	require.NoError(t, err)
	assert.Equal(t, "Ticket-20240101_2024-06-01.pdf", name)

	name, err = BuildFilename("{date_utc}-{ticket_number}.pdf", "77 001", "2024-06-01")
	require.NoError(t, err)
	assert.Equal(t, "2024-06-01-77_001.pdf", name)
}

func TestBuildFilenameRejectsBadPatterns(t *testing.T) {
	_, err := BuildFilename("", "1", "2024-06-01")
	require.Error(t, err)

	_, err = BuildFilename("Ticket-{unknown}.pdf", "1", "2024-06-01")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown placeholder")

	_, err = BuildFilename("Ticket-{ticket_number.pdf", "1", "2024-06-01")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unbalanced")

	_, err = BuildFilename("Ticket}.pdf", "1", "2024-06-01")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unbalanced")

	_, err = BuildFilename("a/{ticket_number}.pdf", "1", "2024-06-01")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path separators")
}
