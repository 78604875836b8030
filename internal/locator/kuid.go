package locator

import (
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidIdentifier 表示客户端提供的 KUID 无法解析，不会触发重试。
var ErrInvalidIdentifier = fmt.Errorf("invalid kuid identifier")

// CanonicalKUID 将用户输入的 KUID 规范化为缓存键。接受 `<kuid:用户:内容>` 与
// `<kuid2:用户:内容:版本>` 两种写法，尖括号、前后空白与大小写均被容忍；
// kuid2 的版本 0 与同号 kuid 等价，统一折叠为 kuid 形式以提高缓存命中率。
func CanonicalKUID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "<")
	trimmed = strings.TrimSuffix(trimmed, ">")
	trimmed = strings.ToLower(strings.TrimSpace(trimmed))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty input", ErrInvalidIdentifier)
	}

	parts := strings.Split(trimmed, ":")
	switch parts[0] {
	case "kuid":
		if len(parts) != 3 {
			return "", fmt.Errorf("%w: kuid requires 2 segments: %s", ErrInvalidIdentifier, raw)
		}
		userID, contentID, err := parseIDPair(parts[1], parts[2])
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrInvalidIdentifier, raw)
		}
		return fmt.Sprintf("kuid:%d:%d", userID, contentID), nil
	case "kuid2":
		if len(parts) != 4 {
			return "", fmt.Errorf("%w: kuid2 requires 3 segments: %s", ErrInvalidIdentifier, raw)
		}
		userID, contentID, err := parseIDPair(parts[1], parts[2])
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrInvalidIdentifier, raw)
		}
		revision, err := strconv.Atoi(parts[3])
		if err != nil || revision < 0 || revision > 127 {
			return "", fmt.Errorf("%w: bad kuid2 revision: %s", ErrInvalidIdentifier, raw)
		}
		// 版本 0 的 kuid2 与 kuid 表示同一资产。
		if revision == 0 {
			return fmt.Sprintf("kuid:%d:%d", userID, contentID), nil
		}
		return fmt.Sprintf("kuid2:%d:%d:%d", userID, contentID, revision), nil
	default:
		return "", fmt.Errorf("%w: unknown scheme: %s", ErrInvalidIdentifier, raw)
	}
}

// parseIDPair 解析用户/内容 ID。用户 ID 允许负数（本地创建的资产），内容 ID 必须非负。
func parseIDPair(user, content string) (int64, int64, error) {
	userID, err := strconv.ParseInt(user, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	contentID, err := strconv.ParseInt(content, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	if contentID < 0 {
		return 0, 0, fmt.Errorf("negative content id")
	}
	return userID, contentID, nil
}
