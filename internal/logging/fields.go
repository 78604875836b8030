package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 kuid/source/命中状态字段，供下载请求日志复用。
func RequestFields(kuid, source, authMode string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"kuid":      kuid,
		"source":    source,
		"auth_mode": authMode,
		"cache_hit": cacheHit,
	}
}
