package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"wellsync/internal/backend"
	"wellsync/internal/config"
	"wellsync/internal/devices"
	"wellsync/internal/domain"
	"wellsync/internal/events"
	"wellsync/internal/logger"
	"wellsync/internal/mqtt"
	"wellsync/internal/platform"
	"wellsync/internal/store"
)

func main() {
	cfg := config.Load()

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "wellsync")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	// 本地 KV：优先 redis；不可达时降级为进程内存储（连接状态不跨重启）
	var kv store.KV
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Warn("Redis unavailable, falling back to in-memory store", zap.Error(err))
			_ = redisClient.Close()
			redisClient = nil
		}
		pingCancel()
	}
	if redisClient != nil {
		kv = store.NewRedisKV(redisClient)
	} else {
		kv = store.NewMemoryKV()
	}

	bus := events.NewBus(log)
	if redisClient != nil {
		forwarder := events.NewStreamForwarder(redisClient, cfg.Events.Stream, log)
		detach := forwarder.Attach(bus)
		defer detach()
	}

	platformProv := platform.NewInfo(cfg.Platform.Override)
	backendClient := backend.NewClient(cfg.Backend, platformProv.DeviceID(), log)

	manager := devices.NewManager(kv, bus, platformProv, log)

	healthkit := devices.NewHealthKitIntegration(nil, platformProv, log)
	manager.Register("apple", &devices.RegistryEntry{
		Service: devices.NewService(healthkit, kv, bus, backendClient, platformProv, log, devices.ServiceOptions{
			SyncFrequency:     cfg.Sync.Frequency,
			InitialWindowDays: cfg.Sync.InitialWindowDays,
			RegionHint:        cfg.Backend.Region,
		}),
		Name:      "Apple Health",
		Icon:      "apple",
		Platforms: []string{platform.PlatformIOS},
		Status:    domain.DeviceStatusAvailable,
	})

	mock := devices.NewMockIntegration(0)
	manager.Register("mock", &devices.RegistryEntry{
		Service: devices.NewService(mock, kv, bus, backendClient, platformProv, log, devices.ServiceOptions{
			SyncFrequency:     cfg.Sync.MockFrequency,
			InitialWindowDays: cfg.Sync.InitialWindowDays,
			RegionHint:        cfg.Backend.Region,
		}),
		Name:      "Demo Tracker",
		Icon:      "activity",
		Platforms: []string{platform.PlatformWeb},
		Status:    domain.DeviceStatusAvailable,
	})

	// 占位设备：出现在列表里但不可连接
	for key, name := range map[string]string{
		"fitbit":  "Fitbit",
		"garmin":  "Garmin",
		"samsung": "Samsung Health",
	} {
		manager.Register(key, &devices.RegistryEntry{
			Name:      name,
			Icon:      key,
			Platforms: []string{platform.PlatformWeb},
			Status:    domain.DeviceStatusComingSoon,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager.RestoreConnections(ctx, cfg.UserID, domain.UserProfile{})

	if cfg.MQTT.Enabled {
		mqttClient, err := mqtt.NewClient(cfg.MQTT, log)
		if err != nil {
			log.Warn("MQTT broker unavailable, push-triggered sync disabled", zap.Error(err))
		} else {
			trigger := mqtt.NewSyncTrigger(mqttClient, manager, cfg.MQTT.Topic, cfg.MQTT.QoS, log)
			if err := trigger.Start(ctx); err != nil {
				log.Warn("Failed to start MQTT sync trigger", zap.Error(err))
			} else {
				defer trigger.Stop()
			}
			defer mqttClient.Disconnect()
		}
	}

	log.Info("wellsync started",
		zap.String("platform", platformProv.GetPlatform()),
		zap.Bool("redis", redisClient != nil),
		zap.Strings("connected_devices", manager.ConnectedDevices()),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	manager.Close()
	if redisClient != nil {
		_ = redisClient.Close()
	}
	log.Info("wellsync stopped")
}
