package upload

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanFilename(t *testing.T) {
	tests := map[string]string{
		"report.pdf":            "report.pdf",
		"my\t\tfile  name.txt":  "my file name.txt",
		"50%off.txt":            "50off.txt",
		"a %b.txt":              "ab.txt",
		"../../etc/passwd":      "passwd",
		`C:\Users\me\photo.jpg`: "photo.jpg",
		"..":                    "",
	}
	for in, want := range tests {
		assert.Equal(t, want, CleanFilename(in), "CleanFilename(%q)", in)
	}
}

func TestSaveMultipart(t *testing.T) {
	m, root := newManager(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for name, content := range map[string]string{"a.txt": "A", "b c.txt": "B"} {
		w, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		w.Write([]byte(content))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/disk/7", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	require.NoError(t, req.ParseMultipartForm(1<<20))

	paths, err := m.SaveMultipart(context.Background(), "7/in", req.MultipartForm.File["file"])
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"7/in/a.txt", "7/in/b c.txt"}, paths)
	assert.Equal(t, []byte("A"), readRel(t, root, "7/in/a.txt"))

	_, err = m.SaveMultipart(context.Background(), "7", nil)
	assert.Error(t, err)
}
