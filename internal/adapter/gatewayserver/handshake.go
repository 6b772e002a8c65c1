package gatewayserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"gatelink/internal/domain"
	"gatelink/internal/usecase/identity"
)

// maxSignatureSkew bounds how far signedAt may be from the server clock.
const maxSignatureSkew = 10 * time.Minute

// handshakeError is a rejected connect request.
type handshakeError struct {
	shape domain.ErrorShape
}

func (e *handshakeError) Error() string {
	return fmt.Sprintf("%s: %s", e.shape.Code, e.shape.Message)
}

func reject(code, format string, args ...any) *handshakeError {
	return &handshakeError{shape: domain.ErrorShape{Code: code, Message: fmt.Sprintf(format, args...)}}
}

// handshake sends the challenge, reads the connect request and answers it.
// Frames are written directly because the write loop has not started yet.
func (s *Server) handshake(ctx context.Context, ws *websocket.Conn, connID string) (*ClientInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	challenge, _ := json.Marshal(domain.ConnectChallenge{Nonce: nonce, Ts: s.now().UnixMilli()})
	if err := wsjson.Write(ctx, ws, domain.EventFrame{Event: domain.EventConnectChallenge, Payload: challenge}); err != nil {
		return nil, fmt.Errorf("send challenge: %w", err)
	}

	var raw json.RawMessage
	if err := wsjson.Read(ctx, ws, &raw); err != nil {
		return nil, fmt.Errorf("read connect: %w", err)
	}
	frame, err := domain.DecodeFrame(raw)
	if err != nil {
		return nil, err
	}
	req, ok := frame.(domain.RequestFrame)
	if !ok || req.Method != domain.MethodConnect {
		herr := reject("INVALID_REQUEST", "first request must be %q", domain.MethodConnect)
		if ok {
			s.writeHandshakeError(ctx, ws, req.ID, herr)
		}
		return nil, herr
	}

	var params domain.ConnectParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		herr := reject("INVALID_REQUEST", "connect params unreadable: %v", err)
		s.writeHandshakeError(ctx, ws, req.ID, herr)
		return nil, herr
	}

	info, hello, herr := s.accept(params, nonce, connID)
	if herr != nil {
		s.writeHandshakeError(ctx, ws, req.ID, herr)
		return nil, herr
	}
	payload, err := json.Marshal(hello)
	if err != nil {
		return nil, err
	}
	if err := wsjson.Write(ctx, ws, domain.ResponseFrame{ID: req.ID, OK: true, Payload: payload}); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}
	return info, nil
}

func (s *Server) writeHandshakeError(ctx context.Context, ws *websocket.Conn, id string, herr *handshakeError) {
	shape := herr.shape
	if err := wsjson.Write(ctx, ws, domain.ResponseFrame{ID: id, OK: false, Error: &shape}); err != nil {
		s.logger.Debug("send handshake error", "error", err)
	}
}

// accept validates connect params against the nonce that was issued.
func (s *Server) accept(params domain.ConnectParams, nonce, connID string) (*ClientInfo, *domain.HelloOk, *handshakeError) {
	if params.MinProtocol > domain.ProtocolVersion || params.MaxProtocol < domain.MinProtocolVersion {
		return nil, nil, reject(string(domain.CodeProtocolMismatch),
			"protocol mismatch: server speaks %d..%d, client offered %d..%d",
			domain.MinProtocolVersion, domain.ProtocolVersion, params.MinProtocol, params.MaxProtocol)
	}
	protocol := min(params.MaxProtocol, domain.ProtocolVersion)

	dev := params.Device
	if dev == nil {
		return nil, nil, reject("INVALID_REQUEST", "device identity required")
	}
	if dev.Nonce != nonce {
		return nil, nil, reject(string(domain.CodeAuthFailed), "auth failed: challenge nonce mismatch")
	}
	pub, err := identity.ParsePublicKey(dev.PublicKey)
	if err != nil {
		return nil, nil, reject(string(domain.CodeAuthFailed), "auth failed: %v", err)
	}
	if identity.DeviceIDFromPublicKey(pub) != dev.ID {
		return nil, nil, reject(string(domain.CodeAuthFailed), "auth failed: device id does not match public key")
	}
	if skew := s.now().Sub(time.UnixMilli(dev.SignedAt)); skew > maxSignatureSkew || skew < -maxSignatureSkew {
		return nil, nil, reject(string(domain.CodeAuthFailed), "auth failed: signature timestamp outside allowed skew")
	}

	var auth domain.ConnectAuth
	if params.Auth != nil {
		auth = *params.Auth
	}
	payload := identity.BuildAuthPayload(identity.AuthPayloadParams{
		DeviceID:   dev.ID,
		ClientID:   params.Client.ID,
		ClientMode: params.Client.Mode,
		Role:       params.Role,
		Scopes:     params.Scopes,
		SignedAtMs: dev.SignedAt,
		Token:      auth.Token,
		Nonce:      nonce,
	})
	if err := identity.Verify(dev.PublicKey, payload, dev.Signature); err != nil {
		return nil, nil, reject(string(domain.CodeAuthFailed), "auth failed: device signature invalid")
	}

	info := &ClientInfo{
		ConnID:      connID,
		DeviceID:    dev.ID,
		Role:        params.Role,
		Scopes:      params.Scopes,
		Client:      params.Client,
		ConnectedAt: s.now(),
	}

	viaDevice := false
	switch {
	case auth.DeviceToken != "":
		if err := s.devices.Validate(dev.ID, params.Role, auth.DeviceToken); err != nil {
			return nil, nil, reject(string(domain.CodeAuthFailed), "auth failed: device token rejected")
		}
		info.Name = "device"
		viaDevice = true
	case auth.Token != "":
		grant, err := s.auth.Authenticate(auth.Token)
		if err != nil {
			return nil, nil, reject(string(domain.CodeAuthFailed), "auth failed: unknown token")
		}
		if !grant.Allows(params.Role) {
			return nil, nil, reject(string(domain.CodeAuthFailed), "auth failed: role %q not permitted", params.Role)
		}
		info.Name = grant.Name
		if len(grant.Scopes) > 0 {
			info.Scopes = grant.Scopes
		}
	case s.auth.Open():
		info.Name = "anonymous"
	default:
		return nil, nil, reject(string(domain.CodeAuthFailed), "auth failed: token required")
	}

	if s.cfg.RequirePairing && !viaDevice && !s.isPaired(dev.ID) {
		return nil, nil, reject(string(domain.CodeNotPaired), "pairing required for device %s", dev.ID)
	}

	hello := &domain.HelloOk{
		Type:     domain.HelloOkType,
		Protocol: protocol,
		Server: domain.ServerInfo{
			Version: s.cfg.Version,
			Host:    s.cfg.Name,
			ConnID:  connID,
		},
		Features: domain.Features{
			Methods: s.methods(),
			Events:  []string{},
		},
		Snapshot: json.RawMessage(fmt.Sprintf(`{"connections":%d}`, s.Connections())),
		Policy: domain.Policy{
			MaxPayload:       s.cfg.MaxPayload,
			MaxBufferedBytes: s.cfg.MaxPayload * maxBufferedFrames,
			TickIntervalMs:   s.cfg.TickInterval.Milliseconds(),
			RetryAfterMs:     s.retryAfter.Load(),
		},
	}

	if !viaDevice {
		token, err := s.devices.Issue(dev.ID, params.Role)
		if err != nil {
			return nil, nil, reject("INTERNAL", "issue device token: %v", err)
		}
		hello.Auth = &domain.HelloAuth{
			DeviceToken: token,
			Role:        params.Role,
			Scopes:      info.Scopes,
			IssuedAtMs:  s.now().UnixMilli(),
		}
	}
	return info, hello, nil
}
