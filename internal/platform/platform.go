package platform

import (
	"runtime"
	"time"

	"github.com/google/uuid"
)

// 运行平台标识
const (
	PlatformIOS     = "ios"
	PlatformAndroid = "android"
	PlatformWeb     = "web"
)

// Provider 运行时平台/设备信息端口
// 设备服务用它做可用性判断，并在 push 时附带运行时元信息
type Provider interface {
	GetPlatform() string
	IsNativePlatform() bool
	BatteryLevel() float64
	OSVersion() string
	DeviceID() string
	Timezone() string
}

// Info 静态平台信息实现
// 原生字段（电量等）在非原生环境下返回占位值
type Info struct {
	Platform string
	Battery  float64
	OS       string
	ID       string
	TZ       string
}

// NewInfo 创建平台信息提供者
// platformOverride 为空时回退为 web（本进程没有原生桥时的通用回退）
func NewInfo(platformOverride string) *Info {
	p := platformOverride
	if p == "" {
		p = PlatformWeb
	}
	return &Info{
		Platform: p,
		Battery:  1.0,
		OS:       runtime.GOOS + "/" + runtime.GOARCH,
		ID:       uuid.NewString(),
		TZ:       time.Now().Location().String(),
	}
}

func (i *Info) GetPlatform() string { return i.Platform }

func (i *Info) IsNativePlatform() bool {
	return i.Platform == PlatformIOS || i.Platform == PlatformAndroid
}

func (i *Info) BatteryLevel() float64 { return i.Battery }
func (i *Info) OSVersion() string     { return i.OS }
func (i *Info) DeviceID() string      { return i.ID }
func (i *Info) Timezone() string      { return i.TZ }
