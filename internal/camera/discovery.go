package camera

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var devicePattern = regexp.MustCompile(`^/dev/video(\d+)$`)

// LinuxDiscovery はLinux環境でのカメラデバイス検出を実装する
type LinuxDiscovery struct{}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
func NewLinuxDiscovery() *LinuxDiscovery {
	return &LinuxDiscovery{}
}

// ScanDevices は /dev/video* のうちカラー映像を出せるデバイスを番号順に返す
func (d *LinuxDiscovery) ScanDevices(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		return deviceNumber(matches[i]) < deviceNumber(matches[j])
	})

	var devices []string
	seen := make(map[string]bool) // カード名ごとに最小番号のみ採用
	for _, match := range matches {
		if err := ctx.Err(); err != nil {
			return devices, err
		}
		if !d.IsDeviceAvailable(ctx, match) {
			continue
		}

		formats := d.listFormats(ctx, match)
		if !hasColorFormat(formats) {
			continue
		}

		name := d.cardName(ctx, match)
		if name != "" {
			if seen[name] {
				continue
			}
			seen[name] = true
		}
		devices = append(devices, match)
	}

	return devices, nil
}

// IsDeviceAvailable は指定されたデバイスが開けるかチェックする
func (d *LinuxDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	if !devicePattern.MatchString(device) {
		return false
	}

	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	_ = file.Close()
	return true
}

// GetDeviceInfo はデバイスの詳細情報を取得する
func (d *LinuxDiscovery) GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error) {
	if !d.IsDeviceAvailable(ctx, device) {
		return nil, fmt.Errorf("デバイスが利用できません: %s", device)
	}

	name := d.cardName(ctx, device)
	if name == "" {
		name = fmt.Sprintf("カメラ %d", deviceNumber(device))
	}

	return &DeviceInfo{
		Device:  device,
		Name:    name,
		Formats: d.listFormats(ctx, device),
	}, nil
}

// cardName は v4l2-ctl の "Card type" からカメラ名を取得する
func (d *LinuxDiscovery) cardName(ctx context.Context, device string) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, "v4l2-ctl", "--device", device, "--info").Output()
	if err != nil {
		return ""
	}
	return parseCardType(string(output))
}

// listFormats はサポートされるピクセルフォーマットを取得する
func (d *LinuxDiscovery) listFormats(ctx context.Context, device string) []string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, "v4l2-ctl", "--device", device, "--list-formats").Output()
	if err != nil {
		return nil
	}
	return parseFormats(string(output))
}

// parseCardType は v4l2-ctl --info の出力からカード名を取り出す
func parseCardType(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Card type") {
			continue
		}
		if _, value, ok := strings.Cut(line, ":"); ok {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// parseFormats は v4l2-ctl --list-formats の出力から "'MJPG'" などのフォーマット名を取り出す
func parseFormats(output string) []string {
	var formats []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "[") {
			continue
		}
		start := strings.Index(line, "'")
		end := strings.LastIndex(line, "'")
		if start >= 0 && end > start {
			formats = append(formats, line[start+1:end])
		}
	}
	return formats
}

// hasColorFormat はカラー映像のフォーマットを含むか判定する
func hasColorFormat(formats []string) bool {
	for _, f := range formats {
		if f == "MJPG" || f == "YUYV" {
			return true
		}
	}
	return false
}

// deviceNumber はデバイスパスから番号を抽出する
func deviceNumber(device string) int {
	m := devicePattern.FindStringSubmatch(device)
	if len(m) < 2 {
		return -1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return n
}

// MockDiscovery はテスト用のモックDiscovery実装
type MockDiscovery struct {
	devices []string
}

// NewMockDiscovery は新しいMockDiscoveryを作成する
func NewMockDiscovery(devices []string) *MockDiscovery {
	return &MockDiscovery{devices: append([]string(nil), devices...)}
}

// ScanDevices はモックデバイス一覧を返す
func (m *MockDiscovery) ScanDevices(_ context.Context) ([]string, error) {
	return append([]string(nil), m.devices...), nil
}

// IsDeviceAvailable はモックデバイスが登録済みかチェックする
func (m *MockDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	for _, d := range m.devices {
		if d == device {
			return true
		}
	}
	return false
}

// GetDeviceInfo はモックデバイス情報を取得する
func (m *MockDiscovery) GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error) {
	if !m.IsDeviceAvailable(ctx, device) {
		return nil, fmt.Errorf("デバイスが見つかりません: %s", device)
	}
	return &DeviceInfo{
		Device:  device,
		Name:    fmt.Sprintf("テストカメラ %d", deviceNumber(device)),
		Formats: []string{"MJPG"},
	}, nil
}
