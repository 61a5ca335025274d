// Package preview はカメラプレビューの状態機械を提供する。
//
// Controllerは1つのイベントループで状態（Idle/Starting/Live/Failed）を管理し、
// キャプチャセッションの起動と停止、フレームのポーリング、タイムアウトと再試行を扱う。
// 表示はRendererを通して行い、HTTP、デスクトップ、MQTTの各アダプターが
// Open/Close/SelectDevice/Retryを呼び出す。
package preview
