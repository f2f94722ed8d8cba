// Package server は、撮影セッションを操作するHTTP APIを提供します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - セッション操作 (取得・再試行・向きの切り替え) のエンドポイント
//   - 撮影、連番の確認・手動設定・リセット、アイテム番号と命名規則の設定
//   - 最終撮影画像の配信とMJPEGによるライブプレビュー
//
// 仕様:
//   - ルーティングは gin を使用
//   - エラーは ErrorResponse のJSONで返す
//   - カメラの取得要求はクライアント切断で取り消さない
package server
