package sequence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Extension は保存ファイルの拡張子
const Extension = ".jpg"

// ErrInvalidItem はファイル名に使えないアイテム番号を表す
var ErrInvalidItem = errors.New("アイテム番号にパス区切り文字や . / .. は使えません")

// NormalizeItem はアイテム番号の前後の空白を除き、ファイル名に使えるか検証する
//
// 空文字列はアイテム指定の解除として受け付ける。
func NormalizeItem(item string) (string, error) {
	item = strings.TrimSpace(item)
	if item == "." || item == ".." || strings.ContainsAny(item, "/\\\x00") {
		return "", fmt.Errorf("%w: %q", ErrInvalidItem, item)
	}
	return item, nil
}

// NamingPolicy はファイル名の付け方を表す
type NamingPolicy struct {
	UseCustomPrefix bool   `json:"use_custom_prefix"`
	Prefix          string `json:"prefix"`
}

// GenerateFilename は連番からファイル名を生成する
//
// namespace が空でなければ (アイテム指定時) "<item>-<seq>.jpg" を返し、policy は無視する。
// それ以外は有効な接頭辞があれば "<prefix>_<seq>.jpg"、なければ "<seq>.jpg"。
func GenerateFilename(namespace string, policy NamingPolicy, seq int) string {
	n := strconv.Itoa(seq)
	if namespace != Global {
		return namespace + "-" + n + Extension
	}

	prefix := strings.TrimSpace(policy.Prefix)
	if policy.UseCustomPrefix && prefix != "" {
		return prefix + "_" + n + Extension
	}
	return n + Extension
}
