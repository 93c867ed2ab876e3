package external

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"time"

	"estacao/internal/config"
	"estacao/internal/types"
)

const rtcTokenVersion = "007"

// rtcRole distinguishes the two participants inside a session channel.
type rtcRole uint16

const (
	rolePatient      rtcRole = 1
	rolePsychologist rtcRole = 2
)

// RTCMinter mints per-participant RTC access tokens for video sessions. Both
// participants of a session share one channel; each gets a distinct uid and
// token signed with the app certificate.
type RTCMinter struct {
	appID       string
	certificate types.SecretString
	tokenTTL    time.Duration
	clock       types.Clock
}

// NewRTCMinter builds a minter from the RTC provider configuration.
func NewRTCMinter(cfg config.RTCConfig, clock types.Clock) *RTCMinter {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &RTCMinter{
		appID:       cfg.AppID,
		certificate: cfg.Certificate,
		tokenTTL:    cfg.TokenTTL,
		clock:       clock,
	}
}

// Mint produces the credential pair for a session. Minting is deterministic
// in the channel and uids but each call embeds a fresh expiry, so the two
// tokens of one call always belong to the same validity window.
func (m *RTCMinter) Mint(ctx context.Context, sessionID string) (types.CredentialPair, error) {
	if m.appID == "" || m.certificate.Unmask() == "" {
		return types.CredentialPair{}, types.NewAppError(
			types.ErrCodeGenerationMint,
			"rtc provider credentials are not configured",
			nil,
		)
	}

	channel := ChannelName(sessionID)
	expiresAt := m.clock.Now().Add(m.tokenTTL).Unix()

	patientToken, err := m.buildToken(channel, participantUID(sessionID, rolePatient), expiresAt)
	if err != nil {
		return types.CredentialPair{}, types.NewAppError(types.ErrCodeGenerationMint, "failed to mint patient token", err)
	}
	psychologistToken, err := m.buildToken(channel, participantUID(sessionID, rolePsychologist), expiresAt)
	if err != nil {
		return types.CredentialPair{}, types.NewAppError(types.ErrCodeGenerationMint, "failed to mint psychologist token", err)
	}

	return types.CredentialPair{
		Channel:           channel,
		PatientToken:      patientToken,
		PsychologistToken: psychologistToken,
	}, nil
}

// buildToken signs (appID, channel, uid, expiry) with the app certificate and
// packs the claims plus signature into the provider's versioned wire format.
func (m *RTCMinter) buildToken(channel string, uid uint32, expiresAt int64) (string, error) {
	msg := make([]byte, 0, len(m.appID)+len(channel)+12)
	msg = append(msg, m.appID...)
	msg = append(msg, channel...)
	msg = binary.BigEndian.AppendUint32(msg, uid)
	msg = binary.BigEndian.AppendUint64(msg, uint64(expiresAt))

	mac := hmac.New(sha256.New, []byte(m.certificate.Unmask()))
	if _, err := mac.Write(msg); err != nil {
		return "", err
	}
	sig := mac.Sum(nil)

	packed := make([]byte, 0, len(msg)+len(sig)+2)
	packed = binary.BigEndian.AppendUint16(packed, uint16(len(sig)))
	packed = append(packed, sig...)
	packed = append(packed, msg...)

	return rtcTokenVersion + m.appID + base64.StdEncoding.EncodeToString(packed), nil
}

// ChannelName returns the RTC channel shared by both participants of a
// session.
func ChannelName(sessionID string) string {
	return "sala_" + sessionID
}

// participantUID derives a stable nonzero uid for a participant from the
// session ID and role.
func participantUID(sessionID string, role rtcRole) uint32 {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s:%d", sessionID, role)
	uid := h.Sum32()
	if uid == 0 {
		uid = uint32(role)
	}
	return uid
}
