// Package camera はキャプチャデバイスの検出と、外部パイプラインによるフレーム取得を担う
//
// # 責務
// - V4L2デバイスの検出と表示名の取得
// - 候補デバイスの並行プローブと自動選択
// - 他アプリケーションによる使用中チェック
// - キャプチャパイプラインの起動・停止と一時ディレクトリの管理
// - 一時ディレクトリのポーリングによる最新フレームの検出
//
// # 仕様
// - Prober: 1フレームだけ取得するコマンドで動作確認。新しい選択は古い選択を中断させる
// - Session: <tmp>/campeek-<uuid>/ に pid, camera_error, capture.sh, frames/ を作る
// - Poller: 失敗マーカーを最優先で確認し、frame_NNNNN.jpg の最大番号を返す
// - Backend: gst-launch-1.0 または ffmpeg のコマンドを組み立てる
// - パイプラインは独立したプロセスグループで動かし、停止時はグループ全体を止める
//
// # 前提要件
//   - gstreamer1.0-tools / gstreamer1.0-plugins-good: 既定のパイプライン
//     Ubuntu/Debian: sudo apt install gstreamer1.0-tools gstreamer1.0-plugins-good
//   - ffmpeg: backend: ffmpeg を選ぶ場合
//   - v4l-utils: カメラ名の取得（なければsysfsを使う）
//   - lsof: 使用中チェック（なければプローブで代用）
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
