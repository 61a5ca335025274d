// Package server は、プレビューを操作するHTTP APIとWebSocket配信を管理します。
//
// このパッケージは、HTTPサーバーの起動、ルーティング、
// WebSocket接続の管理、静的ファイルの配信を担当します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - プレビューの開始・停止・再試行とデバイス選択のAPI
//   - 埋め込みOpenAPI定義によるリクエスト検証
//   - Hubによる読み込み中・フレーム・エラー表示のWebSocket配信
//   - 静的ファイル（HTML/CSS/JS）の配信
//
// 仕様:
//   - ルーティングはgin、WebSocketはgorilla/websocketを使用
//   - フレームはバイナリメッセージ、状態はJSONイベントで送る
//   - 複数クライアントの同時接続をサポート
package server
