package gateway

import "time"

type Conf struct {
	NodeID         string
	WSPath         string        // 默认 /ws
	WriteWait      time.Duration // 单次写超时
	PingInterval   time.Duration // 服务端 ping 周期
	IdleTimeout    time.Duration // 超过该时间无任何读入即断开
	ReadLimit      int64         // 单帧最大字节
	MsgRate        float64       // 每连接每秒帧数
	MsgBurst       int
	SendQueue      int // 每连接直发队列（ack/error/pong）
	AllowedOrigins []string
	Clock          func() time.Time
}

func (c *Conf) norm() {
	if c.WSPath == "" {
		c.WSPath = "/ws"
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 75 * time.Second
	}
	if c.IdleTimeout <= c.PingInterval {
		c.IdleTimeout = 3 * c.PingInterval
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 << 10
	}
	if c.MsgRate <= 0 {
		c.MsgRate = 20
	}
	if c.MsgBurst <= 0 {
		c.MsgBurst = 40
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 64
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}
