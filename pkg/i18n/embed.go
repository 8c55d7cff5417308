package i18n

import (
	"embed"
	"io/fs"
)

//go:embed locales/*.json
var embeddedFiles embed.FS

// EmbeddedLocales is the locales directory as a flat FS.
var EmbeddedLocales = mustSub(embeddedFiles, "locales")

func mustSub(fsys fs.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(err)
	}
	return sub
}
