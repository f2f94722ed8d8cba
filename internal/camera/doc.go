// Package camera カメラデバイスへのアクセスとフレームのエンコードを担う
//
// # 責務
// - 向き (前面/背面) と解像度の希望からストリームを取得する
// - ライブ映像から現在のフレームをネイティブ解像度で取り出す
// - フレームを左右反転しつつJPEGにエンコードする
// - V4L2デバイスの検出
//
// # 仕様
// - MediaSource / Stream: デバイス取得の抽象。セッション側はこれだけに依存する
// - V4L2Source: ffmpeg経由でV4L2デバイスからMJPEGを連続取得する実装
// - JPEGEncoder: golang.org/x/image/draw による反転と image/jpeg による圧縮
// - デバイス取得の失敗は ErrMediaAccess でラップする
//
// # 前提要件
//   - v4l-utils: カメラ名の取得に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - ffmpeg: フレーム取得に使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
