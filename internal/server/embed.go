package server

import (
	"embed"
	"io/fs"
	"log"
	"net/http"
)

//go:embed all:static
var embedFS embed.FS

// GetStaticFS returns the static files filesystem
func GetStaticFS() http.FileSystem {
	// static のサブディレクトリを取得
	staticFS, err := fs.Sub(embedFS, "static")
	if err != nil {
		log.Fatalf("埋め込み静的ファイルシステムの作成に失敗: %v", err)
	}
	return http.FS(staticFS)
}

// getIndexHTML returns the index.html content as bytes
func getIndexHTML() []byte {
	data, err := embedFS.ReadFile("static/index.html")
	if err != nil {
		log.Fatalf("埋め込みindex.htmlの読み込みに失敗: %v", err)
	}
	return data
}
