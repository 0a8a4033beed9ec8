package announce

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/wares/internal/buildinfo"
	"github.com/nugget/wares/internal/config"
)

// trackedApp is the announcer's view of one installed app. seen is
// false until the first health report arrives; until then no state is
// published and HA shows the entity as unknown.
type trackedApp struct {
	name    string
	healthy bool
	seen    bool
}

// Announcer manages the MQTT connection and keeps Home Assistant in
// sync with the installed-app set: retained discovery configs on
// (re-)connect, health states on probe transitions, and an
// availability topic guarded by a will message.
type Announcer struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager

	mu             sync.Mutex
	apps           map[string]trackedApp
	installed      int
	installedKnown bool
}

// New creates an Announcer but does not connect. Call
// [Announcer.Start] to begin the connection.
func New(cfg config.MQTTConfig, instanceID string, logger *slog.Logger) *Announcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Announcer{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		logger:     logger,
		apps:       make(map[string]trackedApp),
	}
}

// Start connects to the MQTT broker and returns once the connection
// attempt is underway. The connection lives until ctx is cancelled;
// autopaho reconnects in the background and every (re-)connect
// republishes discovery configs, a birth message, and known states.
func (a *Announcer) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(a.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := a.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: a.cfg.Username,
		ConnectPassword: []byte(a.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			a.logger.Info("mqtt connected to broker", "broker", a.cfg.Broker)
			a.publishDiscovery(ctx, cm)
			a.publishAvailability(ctx, cm, "online")
			a.publishKnownStates(ctx, cm)
		},
		OnConnectError: func(err error) {
			a.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "wares-" + a.cfg.DeviceName,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	a.cm = cm

	// Wait briefly for the initial connection so the first Track and
	// SetHealthy calls land on a live session.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail; autopaho keeps retrying in the background.
		a.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection. The provided context
// controls how long to wait for the publish and disconnect to complete.
func (a *Announcer) Stop(ctx context.Context) error {
	if a.cm == nil {
		return nil
	}
	a.publishAvailability(ctx, a.cm, "offline")
	return a.cm.Disconnect(ctx)
}

// Device returns the HA device block shared by all published entities.
func (a *Announcer) Device() DeviceInfo {
	return a.device
}

// Track registers an installed app and publishes its binary_sensor
// discovery config. Tracking an already-known app refreshes its
// display name. No health state is published until SetHealthy.
func (a *Announcer) Track(ctx context.Context, appID, name string) {
	a.mu.Lock()
	app := a.apps[appID]
	app.name = name
	a.apps[appID] = app
	a.mu.Unlock()

	a.logger.Debug("mqtt app tracked", "app_id", appID, "name", name)
	if a.cm == nil {
		return
	}
	a.publishAppDiscovery(ctx, a.cm, appID, name)
}

// Forget removes an app from the announcement set and clears its
// retained discovery and state messages so HA drops the entity.
func (a *Announcer) Forget(ctx context.Context, appID string) {
	a.mu.Lock()
	_, known := a.apps[appID]
	delete(a.apps, appID)
	a.mu.Unlock()

	if !known || a.cm == nil {
		return
	}

	suffix := entitySuffix(appID)
	for _, topic := range []string{
		a.discoveryTopic("binary_sensor", suffix),
		a.stateTopic(suffix),
	} {
		// An empty retained payload deletes the retained message.
		if _, err := a.cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: []byte{},
			QoS:     1,
			Retain:  true,
		}); err != nil {
			a.logger.Warn("mqtt discovery clear failed",
				"app_id", appID, "topic", topic, "error", err)
		}
	}
	a.logger.Debug("mqtt app forgotten", "app_id", appID)
}

// SetHealthy records and publishes an app's health state. Calls for
// apps that were never tracked are ignored.
func (a *Announcer) SetHealthy(ctx context.Context, appID string, healthy bool) {
	a.mu.Lock()
	app, known := a.apps[appID]
	if !known {
		a.mu.Unlock()
		return
	}
	app.healthy = healthy
	app.seen = true
	a.apps[appID] = app
	a.mu.Unlock()

	a.publishState(ctx, entitySuffix(appID), healthPayload(healthy))
}

// SetInstalledCount records and publishes the installed apps count.
func (a *Announcer) SetInstalledCount(ctx context.Context, n int) {
	a.mu.Lock()
	a.installed = n
	a.installedKnown = true
	a.mu.Unlock()

	a.publishState(ctx, "installed_apps", strconv.Itoa(n))
}

// --- Topic helpers ---

func (a *Announcer) baseTopic() string {
	return a.cfg.TopicPrefix + "/" + a.cfg.DeviceName
}

func (a *Announcer) availabilityTopic() string {
	return a.baseTopic() + "/status"
}

func (a *Announcer) stateTopic(entity string) string {
	return a.baseTopic() + "/" + entity + "/state"
}

func (a *Announcer) discoveryTopic(component, entity string) string {
	return a.cfg.DiscoveryPrefix + "/" + component + "/" + a.cfg.DeviceName + "/" + entity + "/config"
}

// entitySuffix derives the MQTT/HA-safe entity suffix for an app ID.
// Anything outside [a-z0-9] maps to an underscore so the suffix is
// usable as both a topic level and an HA object_id.
func entitySuffix(appID string) string {
	var b strings.Builder
	b.WriteString("app_")
	for _, r := range strings.ToLower(appID) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// healthPayload maps a probe result onto the binary_sensor payloads.
func healthPayload(healthy bool) string {
	if healthy {
		return "online"
	}
	return "offline"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

// sensorDefinitions returns the summary sensors that exist regardless
// of which apps are installed. Names stay short; HasEntityName makes
// HA prefix them with the device name (avoids double-prefix entity
// IDs like sensor.wares_wares_version).
func (a *Announcer) sensorDefinitions() []sensorDef {
	avail := a.availabilityTopic()
	return []sensorDef{
		{
			entitySuffix: "installed_apps",
			config: SensorConfig{
				Name:              "Installed Apps",
				ObjectID:          "installed_apps",
				HasEntityName:     true,
				UniqueID:          a.instanceID + "_installed_apps",
				StateTopic:        a.stateTopic("installed_apps"),
				AvailabilityTopic: avail,
				Device:            a.device,
				Icon:              "mdi:package-variant-closed",
				StateClass:        "measurement",
				UnitOfMeasurement: "apps",
			},
		},
		{
			entitySuffix: "version",
			config: SensorConfig{
				Name:              "Version",
				ObjectID:          "version",
				HasEntityName:     true,
				UniqueID:          a.instanceID + "_version",
				StateTopic:        a.stateTopic("version"),
				AvailabilityTopic: avail,
				Device:            a.device,
				Icon:              "mdi:tag",
				EntityCategory:    "diagnostic",
			},
		},
	}
}

// appSensorConfig builds the binary_sensor discovery payload for one
// installed app.
func (a *Announcer) appSensorConfig(appID, name string) BinarySensorConfig {
	suffix := entitySuffix(appID)
	return BinarySensorConfig{
		Name:              name + " Healthy",
		ObjectID:          suffix,
		HasEntityName:     true,
		UniqueID:          a.instanceID + "_" + suffix,
		StateTopic:        a.stateTopic(suffix),
		AvailabilityTopic: a.availabilityTopic(),
		Device:            a.device,
		DeviceClass:       "connectivity",
		PayloadOn:         "online",
		PayloadOff:        "offline",
	}
}

func (a *Announcer) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range a.sensorDefinitions() {
		a.publishConfig(ctx, cm, a.discoveryTopic("sensor", s.entitySuffix), s.entitySuffix, s.config)
	}

	a.mu.Lock()
	apps := make(map[string]string, len(a.apps))
	for id, app := range a.apps {
		apps[id] = app.name
	}
	a.mu.Unlock()

	for id, name := range apps {
		a.publishAppDiscovery(ctx, cm, id, name)
	}
}

func (a *Announcer) publishAppDiscovery(ctx context.Context, cm *autopaho.ConnectionManager, appID, name string) {
	suffix := entitySuffix(appID)
	a.publishConfig(ctx, cm, a.discoveryTopic("binary_sensor", suffix), suffix, a.appSensorConfig(appID, name))
}

func (a *Announcer) publishConfig(ctx context.Context, cm *autopaho.ConnectionManager, topic, entity string, cfg any) {
	payload, err := json.Marshal(cfg)
	if err != nil {
		a.logger.Error("mqtt marshal discovery payload",
			"entity", entity, "error", err)
		return
	}

	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		a.logger.Warn("mqtt discovery publish failed",
			"entity", entity, "topic", topic, "error", err)
	} else {
		a.logger.Debug("mqtt discovery published",
			"entity", entity, "topic", topic)
	}
}

func (a *Announcer) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   a.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		a.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		a.logger.Info("mqtt availability published", "status", status)
	}
}

// --- State publishing ---

// publishKnownStates replays every state we have seen so far. Called
// on (re-)connect; retained messages then carry the states forward
// for HA restarts.
func (a *Announcer) publishKnownStates(ctx context.Context, cm *autopaho.ConnectionManager) {
	a.mu.Lock()
	states := map[string]string{
		"version": buildinfo.Version,
	}
	if a.installedKnown {
		states["installed_apps"] = strconv.Itoa(a.installed)
	}
	for id, app := range a.apps {
		if app.seen {
			states[entitySuffix(id)] = healthPayload(app.healthy)
		}
	}
	a.mu.Unlock()

	for entity, value := range states {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   a.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			a.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}

	a.logger.Debug("mqtt sensor states published",
		"entities", len(states))
}

func (a *Announcer) publishState(ctx context.Context, entity, value string) {
	if a.cm == nil {
		return
	}
	if _, err := a.cm.Publish(ctx, &paho.Publish{
		Topic:   a.stateTopic(entity),
		Payload: []byte(value),
		QoS:     0,
		Retain:  true,
	}); err != nil {
		a.logger.Debug("mqtt state publish failed",
			"entity", entity, "error", err)
	}
}
