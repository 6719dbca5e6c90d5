package nacos

import (
	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
)

type Conf struct {
	Host      string
	Port      uint64
	Namespace string
	Username  string
	Password  string
	LogLevel  string // 默认 warn
	CacheDir  string
	LogDir    string
}

func (c Conf) serverConfigs() []constant.ServerConfig {
	host, port := c.Host, c.Port
	if host == "" {
		host = "127.0.0.1"
	}
	if port == 0 {
		port = 8848
	}
	return []constant.ServerConfig{*constant.NewServerConfig(host, port)}
}

func (c Conf) clientConfig() *constant.ClientConfig {
	level := c.LogLevel
	if level == "" {
		level = "warn"
	}
	opts := []constant.ClientOption{
		constant.WithNamespaceId(c.Namespace),
		constant.WithTimeoutMs(5000),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogLevel(level),
	}
	if c.CacheDir != "" {
		opts = append(opts, constant.WithCacheDir(c.CacheDir))
	}
	if c.LogDir != "" {
		opts = append(opts, constant.WithLogDir(c.LogDir))
	}
	if c.Username != "" {
		opts = append(opts, constant.WithUsername(c.Username), constant.WithPassword(c.Password))
	}
	return constant.NewClientConfig(opts...)
}

func NewConfigClient(c Conf) (config_client.IConfigClient, error) {
	return clients.NewConfigClient(vo.NacosClientParam{
		ClientConfig:  c.clientConfig(),
		ServerConfigs: c.serverConfigs(),
	})
}

func NewNamingClient(c Conf) (naming_client.INamingClient, error) {
	return clients.NewNamingClient(vo.NacosClientParam{
		ClientConfig:  c.clientConfig(),
		ServerConfigs: c.serverConfigs(),
	})
}
