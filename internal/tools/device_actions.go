package tools

import "strings"

// actionSpec maps one logical verb to the peer's HTTP surface.
type actionSpec struct {
	Method     string
	Path       string
	Permission bool
}

// deviceActions is the closed verb table of the device-API peer. Treated as
// data: dispatch never switches on individual verbs outside this table
// (the uvc.ptz.* virtual actions excepted).
var deviceActions = map[string]actionSpec{
	"python.status":           {"GET", "/python/status", false},
	"python.restart":          {"POST", "/python/restart", true},
	"screen.status":           {"GET", "/screen/status", false},
	"screen.keep_on":          {"POST", "/screen/keep_on", true},
	"sshd.status":             {"GET", "/sshd/status", false},
	"sshd.config":             {"POST", "/sshd/config", true},
	"ssh.exec":                {"POST", "/ssh/exec", true},
	"ssh.scp":                 {"POST", "/ssh/scp", true},
	"ssh.ws.contract":         {"GET", "/ssh/ws/contract", false},
	"sshd.keys.list":          {"GET", "/sshd/keys", false},
	"sshd.keys.add":           {"POST", "/sshd/keys/add", true},
	"sshd.keys.delete":        {"POST", "/sshd/keys/delete", true},
	"sshd.keys.policy.get":    {"GET", "/sshd/keys/policy", false},
	"sshd.keys.policy.set":    {"POST", "/sshd/keys/policy", true},
	"sshd.pin.status":         {"GET", "/sshd/pin/status", false},
	"sshd.pin.start":          {"POST", "/sshd/pin/start", true},
	"sshd.pin.stop":           {"POST", "/sshd/pin/stop", true},
	"sshd.noauth.status":      {"GET", "/sshd/noauth/status", false},
	"sshd.noauth.start":       {"POST", "/sshd/noauth/start", true},
	"sshd.noauth.stop":        {"POST", "/sshd/noauth/stop", true},
	"camera.list":             {"GET", "/camera/list", true},
	"camera.status":           {"GET", "/camera/status", true},
	"camera.preview.start":    {"POST", "/camera/preview/start", true},
	"camera.preview.stop":     {"POST", "/camera/preview/stop", true},
	"camera.capture":          {"POST", "/camera/capture", true},
	"ble.status":              {"GET", "/ble/status", true},
	"ble.scan.start":          {"POST", "/ble/scan/start", true},
	"ble.scan.stop":           {"POST", "/ble/scan/stop", true},
	"ble.connect":             {"POST", "/ble/connect", true},
	"ble.disconnect":          {"POST", "/ble/disconnect", true},
	"ble.gatt.services":       {"POST", "/ble/gatt/services", true},
	"ble.gatt.read":           {"POST", "/ble/gatt/read", true},
	"ble.gatt.write":          {"POST", "/ble/gatt/write", true},
	"ble.gatt.notify.start":   {"POST", "/ble/gatt/notify/start", true},
	"ble.gatt.notify.stop":    {"POST", "/ble/gatt/notify/stop", true},
	"tts.init":                {"POST", "/tts/init", true},
	"tts.voices":              {"GET", "/tts/voices", true},
	"tts.speak":               {"POST", "/tts/speak", true},
	"tts.stop":                {"POST", "/tts/stop", true},
	"media.audio.status":      {"GET", "/media/audio/status", true},
	"media.audio.play":        {"POST", "/media/audio/play", true},
	"media.audio.stop":        {"POST", "/media/audio/stop", true},
	"llama.status":            {"GET", "/llama/status", true},
	"llama.models":            {"GET", "/llama/models", true},
	"llama.run":               {"POST", "/llama/run", true},
	"llama.generate":          {"POST", "/llama/generate", true},
	"llama.tts":               {"POST", "/llama/tts", true},
	"llama.tts.plugins.list":  {"GET", "/llama/tts/plugins", true},
	"llama.tts.plugins.upsert": {"POST", "/llama/tts/plugins/upsert", true},
	"llama.tts.plugins.delete": {"POST", "/llama/tts/plugins/delete", true},
	"llama.tts.speak":         {"POST", "/llama/tts/speak", true},
	"llama.tts.speak.status":  {"POST", "/llama/tts/speak/status", true},
	"llama.tts.speak.stop":    {"POST", "/llama/tts/speak/stop", true},
	"stt.status":              {"GET", "/stt/status", true},
	"stt.record":              {"POST", "/stt/record", true},
	"location.status":         {"GET", "/location/status", true},
	"location.get":            {"POST", "/location/get", true},
	"network.status":          {"GET", "/network/status", true},
	"wifi.status":             {"GET", "/wifi/status", true},
	"mobile.status":           {"GET", "/mobile/status", true},
	"sensors.list":            {"GET", "/sensors/list", true},
	"sensor.list":             {"GET", "/sensor/list", true},
	"sensors.ws.contract":     {"GET", "/sensors/ws/contract", true},
	"usb.list":                {"GET", "/usb/list", true},
	"usb.status":              {"GET", "/usb/status", true},
	"usb.open":                {"POST", "/usb/open", true},
	"usb.close":               {"POST", "/usb/close", true},
	"usb.control_transfer":    {"POST", "/usb/control_transfer", true},
	"usb.raw_descriptors":     {"POST", "/usb/raw_descriptors", true},
	"usb.claim_interface":     {"POST", "/usb/claim_interface", true},
	"usb.release_interface":   {"POST", "/usb/release_interface", true},
	"usb.bulk_transfer":       {"POST", "/usb/bulk_transfer", true},
	"usb.iso_transfer":        {"POST", "/usb/iso_transfer", true},
	"usb.stream.start":        {"POST", "/usb/stream/start", true},
	"usb.stream.stop":         {"POST", "/usb/stream/stop", true},
	"usb.stream.status":       {"GET", "/usb/stream/status", true},
	"uvc.mjpeg.capture":       {"POST", "/uvc/mjpeg/capture", true},
	"uvc.diagnose":            {"POST", "/uvc/diagnose", true},
	"vision.model.load":       {"POST", "/vision/model/load", true},
	"vision.model.unload":     {"POST", "/vision/model/unload", true},
	"vision.frame.put":        {"POST", "/vision/frame/put", true},
	"vision.frame.get":        {"POST", "/vision/frame/get", true},
	"vision.frame.delete":     {"POST", "/vision/frame/delete", true},
	"vision.frame.save":       {"POST", "/vision/frame/save", true},
	"vision.image.load":       {"POST", "/vision/image/load", true},
	"vision.run":              {"POST", "/vision/run", true},
	"shell.exec":              {"POST", "/shell/exec", true},
	"brain.memory.get":        {"GET", "/brain/memory", false},
	"brain.memory.set":        {"POST", "/brain/memory", true},
	"viewer.open":             {"POST", "/ui/viewer/open", false},
	"viewer.close":            {"POST", "/ui/viewer/close", false},
	"viewer.immersive":        {"POST", "/ui/viewer/immersive", false},
	"viewer.slideshow":        {"POST", "/ui/viewer/slideshow", false},
	"viewer.goto":             {"POST", "/ui/viewer/goto", false},
	// Non-sensitive configuration helpers (do not return secrets).
	"brain.config.get":        {"GET", "/brain/config", false},
	"cloud.prefs.get":         {"GET", "/cloud/prefs", false},
}

// Per-action timeout overrides in seconds; everything else gets
// deviceDefaultTimeout, clamped to [3, 900].
var deviceActionTimeouts = map[string]float64{
	"camera.capture":           45,
	"camera.preview.start":     25,
	"camera.preview.stop":      25,
	"ssh.exec":                 300,
	"ssh.scp":                  600,
	"vision.run":               75,
	"usb.open":                 60,
	"usb.stream.start":         25,
	"usb.stream.stop":          25,
	"uvc.mjpeg.capture":        45,
	"screen.keep_on":           12,
	"llama.run":                300,
	"llama.generate":           300,
	"llama.tts":                420,
	"llama.tts.plugins.list":   20,
	"llama.tts.plugins.upsert": 20,
	"llama.tts.plugins.delete": 20,
	"llama.tts.speak":          120,
	"llama.tts.speak.status":   20,
	"llama.tts.speak.stop":     20,
	"media.audio.play":         120,
	"media.audio.status":       20,
	"media.audio.stop":         20,
}

const (
	deviceDefaultTimeout = 12.0
	deviceMinTimeout     = 3.0
	deviceMaxTimeout     = 900.0
)

// permissionProfile derives the (tool, capability, scope) triple a verb is
// gated by. Related verbs share a capability so one approval covers them.
func permissionProfile(action string) (tool, capability, scope string) {
	a := strings.TrimSpace(action)
	switch {
	case strings.HasPrefix(a, "screen."):
		return "device.screen", "screen", "session"
	case strings.HasPrefix(a, "sshd.keys."):
		// The peer forces ssh key changes to one-shot approvals.
		return "ssh_keys", "ssh_keys", "once"
	case strings.HasPrefix(a, "sshd.pin."):
		return "ssh_pin", "sshd.pin", "session"
	case strings.HasPrefix(a, "sshd."):
		return "device.sshd", "sshd", "session"
	case strings.HasPrefix(a, "ssh."):
		return "device.ssh", "ssh", "session"
	case strings.HasPrefix(a, "camera."):
		return "device.camera", "camera", "session"
	case strings.HasPrefix(a, "ble."):
		return "device.ble", "ble", "session"
	case strings.HasPrefix(a, "tts."):
		return "device.tts", "tts", "session"
	case strings.HasPrefix(a, "media.audio."):
		return "device.media", "media", "session"
	case strings.HasPrefix(a, "llama."):
		return "device.llama", "llama", "session"
	case strings.HasPrefix(a, "stt."):
		return "device.mic", "stt", "session"
	case strings.HasPrefix(a, "location."):
		return "device.gps", "location", "session"
	case strings.HasPrefix(a, "network."), strings.HasPrefix(a, "wifi."), strings.HasPrefix(a, "mobile."):
		return "device.network", "network", "session"
	case strings.HasPrefix(a, "sensors."), strings.HasPrefix(a, "sensor."):
		return "device.sensors", "sensors", "session"
	case strings.HasPrefix(a, "usb."):
		return "device.usb", "usb", "session"
	case strings.HasPrefix(a, "vision."):
		return "device.vision", "vision", "session"
	}
	// Session scope by default: approve once per chat session.
	return "device_api", "device_api", "session"
}

// ActionNames returns the sorted-ish verb list for planner constraints.
func ActionNames() []string {
	names := make([]string, 0, len(deviceActions))
	for name := range deviceActions {
		names = append(names, name)
	}
	return names
}
