package config

import (
	"context"

	"HaksaPresence/logger"
	"HaksaPresence/service/presence"
	"HaksaPresence/tools/decode"
	"HaksaPresence/tools/errs"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Source is the part of the Nacos config client the watcher uses.
type Source interface {
	GetConfig(param vo.ConfigParam) (string, error)
	ListenConfig(param vo.ConfigParam) error
	CancelListenConfig(param vo.ConfigParam) error
}

// TuningSink receives runtime presence tuning.
type TuningSink interface {
	Tuning() presence.Tuning
	SetTuning(t presence.Tuning)
}

// ParseTuning overlays the YAML content onto cur. Keys may sit at the top
// level or under a "presence" section; unknown keys are ignored.
//
//	presence:
//	  max_radius_m: 3000
//	  staleness_window: 60s
func ParseTuning(content string, cur presence.Tuning) (presence.Tuning, error) {
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return cur, errs.WrapMsg(err, "parse tuning yaml")
	}
	doc = decode.Section(doc, "presence")
	if len(doc) == 0 {
		return cur, nil
	}

	next := cur
	if err := decode.Into(doc, &next); err != nil {
		return cur, err
	}
	return next, nil
}

// StartTuningWatcher 读取一次配置并监听变化，直到 ctx 结束
func StartTuningWatcher(ctx context.Context, src Source, dataID, group string, sink TuningSink) error {
	apply := func(content string) {
		next, err := ParseTuning(content, sink.Tuning())
		if err != nil {
			logger.Warn("tuning update ignored", zap.String("data_id", dataID), zap.Error(err))
			return
		}
		sink.SetTuning(next)
	}

	// 第一次读取
	content, err := src.GetConfig(vo.ConfigParam{DataId: dataID, Group: group})
	if err != nil {
		return errs.WrapMsg(err, "get nacos config", "data_id", dataID, "group", group)
	}
	if content != "" {
		apply(content)
	}

	// 开始监听
	param := vo.ConfigParam{
		DataId: dataID,
		Group:  group,
		OnChange: func(_, _, _, data string) {
			logger.Info("nacos tuning changed", zap.String("data_id", dataID))
			apply(data)
		},
	}
	if err := src.ListenConfig(param); err != nil {
		return errs.WrapMsg(err, "listen nacos config", "data_id", dataID)
	}
	go func() {
		<-ctx.Done()
		_ = src.CancelListenConfig(vo.ConfigParam{DataId: dataID, Group: group})
	}()
	return nil
}
