package tools

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/methings/agentd/pkg/protocol"
)

// UVC class-specific interface request constants
// (CT_PANTILT_ABSOLUTE_CONTROL over the VideoControl interface).
const (
	uvcReqTypeIn  = 0xA1 // IN | Class | Interface
	uvcReqTypeOut = 0x21 // OUT | Class | Interface
	uvcSetCur     = 0x01
	uvcGetCur     = 0x81
	uvcGetMin     = 0x82
	uvcGetMax     = 0x83

	uvcSelectorPanTilt = 0x0D
)

// Default nudge steps and the fallback pan/tilt clamp observed on the
// Insta360 Link when GET_MIN/GET_MAX are unavailable.
const (
	uvcStepPan  = 90000.0
	uvcStepTilt = 68400.0

	uvcFallbackPanMin  = -522000
	uvcFallbackPanMax  = 522000
	uvcFallbackTiltMin = -324000
	uvcFallbackTiltMax = 360000
)

// uvcSession carries the resolved transfer parameters for one virtual call.
type uvcSession struct {
	tool        *DeviceAPITool
	pid         string
	handle      string
	deviceName  string
	selector    int
	vcInterface int
	entityID    int
	timeoutMs   int
}

// runUVC serves the uvc.ptz.* virtual actions by composing usb.open,
// usb.raw_descriptors and usb.control_transfer calls on the peer.
func (t *DeviceAPITool) runUVC(ctx context.Context, action string, payload map[string]interface{}, detail string) *protocol.ToolResult {
	// All UVC actions fall into the session-scoped USB bucket.
	if detail == "" {
		detail = actionDetail(action, payload)
	}
	pid, req := t.getOrRequestPermission(ctx, "device.usb", "usb", "session", detail)
	if pid == "" {
		return PermissionRequired(grantFromMap(req))
	}

	s := &uvcSession{
		tool:        t,
		pid:         pid,
		handle:      strings.TrimSpace(argString(payload, "handle")),
		deviceName:  strings.TrimSpace(argString(payload, "device_name")),
		selector:    argInt(payload, "selector", uvcSelectorPanTilt),
		vcInterface: -1,
		entityID:    -1,
		timeoutMs:   argInt(payload, "timeout_ms", 220),
	}
	if s.deviceName == "" {
		s.deviceName = strings.TrimSpace(argString(payload, "name"))
	}

	if !s.ensureHandle(ctx) {
		return Errf(protocol.ErrInvalidPayload, "no handle provided and no UVC device could be selected")
	}

	if v, ok := payload["vc_interface"].(float64); ok {
		s.vcInterface = int(v)
	}
	if v, ok := payload["entity_id"].(float64); ok {
		s.entityID = int(v)
	}
	if s.vcInterface < 0 || s.entityID < 0 {
		vc, entity := s.guessVCAndEntity(ctx)
		if s.vcInterface < 0 {
			s.vcInterface = vc
		}
		if s.entityID < 0 {
			s.entityID = entity
		}
	}
	if s.vcInterface < 0 {
		s.vcInterface = 0
	}
	if s.entityID < 0 {
		s.entityID = 1 // common UVC Camera Terminal id
	}

	switch action {
	case "uvc.ptz.get_abs":
		return s.getAbs(ctx)
	case "uvc.ptz.get_limits":
		return s.getLimits(ctx)
	case "uvc.ptz.set_abs":
		return s.setAbs(ctx, payload)
	case "uvc.ptz.nudge":
		return s.nudge(ctx, payload)
	default:
		return Errf(protocol.ErrUnsupportedAction, action)
	}
}

func (s *uvcSession) wIndex() int { return ((s.entityID & 0xFF) << 8) | (s.vcInterface & 0xFF) }
func (s *uvcSession) wValue() int { return (s.selector & 0xFF) << 8 }

func (s *uvcSession) ensureHandle(ctx context.Context) bool {
	if s.handle != "" {
		return true
	}
	if s.deviceName == "" {
		s.deviceName = s.pickDeviceName(ctx)
	}
	if s.deviceName == "" {
		return false
	}
	s.handle = s.open(ctx, s.deviceName)
	return s.handle != ""
}

// pickDeviceName scans /usb/list for the first device exposing a UVC
// VideoControl interface (class 0x0E subclass 0x01).
func (s *uvcSession) pickDeviceName(ctx context.Context) string {
	resp := s.tool.requestJSON(ctx, "GET", "/usb/list", nil, 8)
	if resp.Body == nil {
		return ""
	}
	devices, _ := resp.Body["devices"].([]interface{})
	for _, d := range devices {
		dev, ok := d.(map[string]interface{})
		if !ok {
			continue
		}
		name := strings.TrimSpace(argString(dev, "name"))
		if name == "" {
			continue
		}
		interfaces, _ := dev["interfaces"].([]interface{})
		for _, it := range interfaces {
			iface, ok := it.(map[string]interface{})
			if !ok {
				continue
			}
			if argInt(iface, "interface_class", -1) == 0x0E && argInt(iface, "interface_subclass", -1) == 0x01 {
				return name
			}
		}
	}
	return ""
}

func (s *uvcSession) open(ctx context.Context, name string) string {
	resp := s.tool.requestJSON(ctx, "POST", "/usb/open", map[string]interface{}{
		"permission_id": s.pid, "name": name,
	}, 60)
	if resp.Body == nil || argString(resp.Body, "status") != "ok" {
		return ""
	}
	return strings.TrimSpace(argString(resp.Body, "handle"))
}

func (s *uvcSession) close(ctx context.Context, handle string) {
	if handle == "" {
		return
	}
	s.tool.requestJSON(ctx, "POST", "/usb/close", map[string]interface{}{
		"permission_id": s.pid, "handle": handle,
	}, 8)
}

func (s *uvcSession) controlIn(ctx context.Context, request, length int) peerResponse {
	return s.tool.requestJSON(ctx, "POST", "/usb/control_transfer", map[string]interface{}{
		"permission_id": s.pid,
		"handle":        s.handle,
		"request_type":  uvcReqTypeIn,
		"request":       request,
		"value":         s.wValue(),
		"index":         s.wIndex(),
		"timeout_ms":    s.timeoutMs,
		// Explicit length; some devices reject the default IN size.
		"length": length,
	}, deviceDefaultTimeout)
}

func (s *uvcSession) controlOut(ctx context.Context, request int, data []byte) peerResponse {
	return s.tool.requestJSON(ctx, "POST", "/usb/control_transfer", map[string]interface{}{
		"permission_id": s.pid,
		"handle":        s.handle,
		"request_type":  uvcReqTypeOut,
		"request":       request,
		"value":         s.wValue(),
		"index":         s.wIndex(),
		"timeout_ms":    s.timeoutMs,
		"data_b64":      base64.StdEncoding.EncodeToString(data),
	}, deviceDefaultTimeout)
}

// controlInWithRetry retries one stale-handle failure: a 500
// control_transfer_failed triggers close/reopen/claim and a second attempt.
func (s *uvcSession) controlInWithRetry(ctx context.Context, request, length int) peerResponse {
	r := s.controlIn(ctx, request, length)
	if r.Status != "http_error" || r.HTTPStatus != 500 {
		return r
	}
	if r.Body == nil || argString(r.Body, "error") != "control_transfer_failed" {
		return r
	}
	name := s.deviceName
	if name == "" {
		name = s.pickDeviceName(ctx)
	}
	if name == "" {
		return r
	}
	s.close(ctx, s.handle)
	newHandle := s.open(ctx, name)
	if newHandle == "" {
		return r
	}
	s.handle = newHandle
	s.tool.requestJSON(ctx, "POST", "/usb/claim_interface", map[string]interface{}{
		"permission_id": s.pid, "handle": s.handle,
		"interface_id": s.vcInterface, "force": true,
	}, 8)
	return s.controlIn(ctx, request, length)
}

// guessVCAndEntity scans raw USB descriptors for the VideoControl interface
// number and the Camera Terminal id (VC_INPUT_TERMINAL, wTerminalType 0x0201).
func (s *uvcSession) guessVCAndEntity(ctx context.Context) (vcInterface, entityID int) {
	vcInterface, entityID = -1, -1
	resp := s.tool.requestJSON(ctx, "POST", "/usb/raw_descriptors", map[string]interface{}{
		"permission_id": s.pid, "handle": s.handle,
	}, deviceDefaultTimeout)
	raw := extractB64(resp)
	if raw == nil {
		return
	}

	for i := 0; i+2 < len(raw); {
		dlen := int(raw[i])
		if dlen <= 0 || i+dlen > len(raw) {
			break
		}
		dtype := raw[i+1]
		if dtype == 0x04 && dlen >= 9 {
			// Interface descriptor: bInterfaceNumber +2, class +5, subclass +6.
			if raw[i+5] == 0x0E && raw[i+6] == 0x01 {
				vcInterface = int(raw[i+2])
			}
		} else if dtype == 0x24 && dlen >= 8 {
			// VC_INPUT_TERMINAL: bTerminalID +3, wTerminalType +4..+5.
			if raw[i+2] == 0x02 {
				terminalType := int(raw[i+4]) | int(raw[i+5])<<8
				if terminalType == 0x0201 && entityID < 0 {
					entityID = int(raw[i+3])
				}
			}
		}
		i += dlen
	}
	return
}

func extractB64(resp peerResponse) []byte {
	if resp.Body == nil {
		return nil
	}
	data, ok := resp.Body["data_b64"].(string)
	if !ok || data == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil
	}
	return raw
}

func (s *uvcSession) getAbs(ctx context.Context) *protocol.ToolResult {
	resp := s.controlInWithRetry(ctx, uvcGetCur, 8)
	raw := extractB64(resp)
	if len(raw) < 8 {
		return Errf(protocol.ErrUpstreamError, "short pan-tilt read")
	}
	pan := int32(binary.LittleEndian.Uint32(raw[0:4]))
	tilt := int32(binary.LittleEndian.Uint32(raw[4:8]))
	return OK(map[string]interface{}{"pan_abs": int(pan), "tilt_abs": int(tilt)})
}

func (s *uvcSession) getLimits(ctx context.Context) *protocol.ToolResult {
	minRaw := extractB64(s.controlInWithRetry(ctx, uvcGetMin, 8))
	maxRaw := extractB64(s.controlInWithRetry(ctx, uvcGetMax, 8))
	if len(minRaw) < 8 || len(maxRaw) < 8 {
		return Errf(protocol.ErrUpstreamError, "pan-tilt limits unavailable")
	}
	return OK(map[string]interface{}{
		"pan_min":  int(int32(binary.LittleEndian.Uint32(minRaw[0:4]))),
		"tilt_min": int(int32(binary.LittleEndian.Uint32(minRaw[4:8]))),
		"pan_max":  int(int32(binary.LittleEndian.Uint32(maxRaw[0:4]))),
		"tilt_max": int(int32(binary.LittleEndian.Uint32(maxRaw[4:8]))),
	})
}

func (s *uvcSession) setAbs(ctx context.Context, payload map[string]interface{}) *protocol.ToolResult {
	panV, panOK := payload["pan_abs"].(float64)
	tiltV, tiltOK := payload["tilt_abs"].(float64)
	if !panOK || !tiltOK {
		return Errf(protocol.ErrInvalidPayload, "pan_abs and tilt_abs are required")
	}

	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], uint32(int32(panV)))
	binary.LittleEndian.PutUint32(data[4:8], uint32(int32(tiltV)))

	resp := s.controlOut(ctx, uvcSetCur, data)
	if resp.Status != "ok" {
		return resp.toResult()
	}
	rc := -1
	if resp.Body != nil {
		rc = argInt(resp.Body, "rc", -1)
	}
	return OK(map[string]interface{}{"rc": rc})
}

func (s *uvcSession) nudge(ctx context.Context, payload map[string]interface{}) *protocol.ToolResult {
	pan := clampUnit(floatArg(payload, "pan"))
	tilt := clampUnit(floatArg(payload, "tilt"))
	stepPan := floatArg(payload, "step_pan")
	if stepPan == 0 {
		stepPan = uvcStepPan
	}
	stepTilt := floatArg(payload, "step_tilt")
	if stepTilt == 0 {
		stepTilt = uvcStepTilt
	}

	cur := s.getAbs(ctx)
	if cur.Status != protocol.ResultOK {
		return cur
	}
	curPan := cur.Extra["pan_abs"].(int)
	curTilt := cur.Extra["tilt_abs"].(int)

	panMin, panMax := uvcFallbackPanMin, uvcFallbackPanMax
	tiltMin, tiltMax := uvcFallbackTiltMin, uvcFallbackTiltMax
	if limits := s.getLimits(ctx); limits.Status == protocol.ResultOK {
		panMin = limits.Extra["pan_min"].(int)
		panMax = limits.Extra["pan_max"].(int)
		tiltMin = limits.Extra["tilt_min"].(int)
		tiltMax = limits.Extra["tilt_max"].(int)
	}

	panAbs := clampInt(curPan+int(math.Round(pan*stepPan)), panMin, panMax)
	tiltAbs := clampInt(curTilt+int(math.Round(tilt*stepTilt)), tiltMin, tiltMax)

	res := s.setAbs(ctx, map[string]interface{}{
		"pan_abs": float64(panAbs), "tilt_abs": float64(tiltAbs),
	})
	if res.Status == protocol.ResultOK {
		res.Extra["pan_abs"] = panAbs
		res.Extra["tilt_abs"] = tiltAbs
		res.Detail = fmt.Sprintf("nudge pan=%g tilt=%g -> abs(%d,%d)", pan, tilt, panAbs, tiltAbs)
	}
	return res
}

func floatArg(m map[string]interface{}, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}

func clampUnit(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
