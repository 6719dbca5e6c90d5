package nacos

import (
	"fmt"
	"strconv"

	"HaksaPresence/logger"

	"github.com/nacos-group/nacos-sdk-go/v2/model"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"
)

// Naming is the part of the naming client the registrar uses.
type Naming interface {
	RegisterInstance(param vo.RegisterInstanceParam) (bool, error)
	DeregisterInstance(param vo.DeregisterInstanceParam) (bool, error)
	SelectInstances(param vo.SelectInstancesParam) ([]model.Instance, error)
}

// Registrar announces this gateway node so clients and peers can find it.
type Registrar struct {
	ServiceName string
	Group       string
	IP          string
	Port        uint64
	Metadata    map[string]string

	client Naming
}

func NewRegistrar(client Naming, serviceName, ip string, port uint64, nodeID string) *Registrar {
	return &Registrar{
		ServiceName: serviceName,
		Group:       "DEFAULT_GROUP",
		IP:          ip,
		Port:        port,
		Metadata: map[string]string{
			"protocol": "ws",
			"node_id":  nodeID,
		},
		client: client,
	}
}

func (r *Registrar) Register() error {
	ok, err := r.client.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          r.IP,
		Port:        r.Port,
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		ClusterName: "DEFAULT",
		Weight:      1,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true,
		Metadata:    r.Metadata,
	})
	if err != nil {
		return fmt.Errorf("register %s: %w", r.ServiceName, err)
	}
	if !ok {
		return fmt.Errorf("register %s: returned false", r.ServiceName)
	}
	logger.Info("nacos instance registered", zap.String("service", r.ServiceName),
		zap.String("ip", r.IP), zap.Uint64("port", r.Port))
	return nil
}

func (r *Registrar) Deregister() error {
	_, err := r.client.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          r.IP,
		Port:        r.Port,
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		Cluster:     "DEFAULT",
		Ephemeral:   true,
	})
	return err
}

// Peers lists healthy gateway addresses (ip:port), this node included.
func (r *Registrar) Peers() ([]string, error) {
	list, err := r.client.SelectInstances(vo.SelectInstancesParam{
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		HealthyOnly: true,
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(list))
	for _, in := range list {
		out = append(out, in.Ip+":"+strconv.FormatUint(in.Port, 10))
	}
	return out, nil
}
