package minitls

import "strconv"

// Alert is a TLS alert description.
type Alert uint8

const (
	alertLevelWarning = 1
	alertLevelFatal   = 2
)

const (
	alertCloseNotify            Alert = 0
	alertUnexpectedMessage      Alert = 10
	alertBadRecordMAC           Alert = 20
	alertRecordOverflow         Alert = 22
	alertHandshakeFailure       Alert = 40
	alertBadCertificate         Alert = 42
	alertUnsupportedCertificate Alert = 43
	alertCertificateRevoked     Alert = 44
	alertCertificateExpired     Alert = 45
	alertCertificateUnknown     Alert = 46
	alertIllegalParameter       Alert = 47
	alertUnknownCA              Alert = 48
	alertAccessDenied           Alert = 49
	alertDecodeError            Alert = 50
	alertDecryptError           Alert = 51
	alertProtocolVersion        Alert = 70
	alertInsufficientSecurity   Alert = 71
	alertInternalError          Alert = 80
	alertUserCanceled           Alert = 90
	alertNoRenegotiation        Alert = 100
	alertUnsupportedExtension   Alert = 110
	alertUnrecognizedName       Alert = 112
	alertCertificateRequired    Alert = 116
	alertNoApplicationProtocol  Alert = 120
)

var alertText = map[Alert]string{
	alertCloseNotify:            "close_notify",
	alertUnexpectedMessage:      "unexpected_message",
	alertBadRecordMAC:           "bad_record_mac",
	alertRecordOverflow:         "record_overflow",
	alertHandshakeFailure:       "handshake_failure",
	alertBadCertificate:         "bad_certificate",
	alertUnsupportedCertificate: "unsupported_certificate",
	alertCertificateRevoked:     "certificate_revoked",
	alertCertificateExpired:     "certificate_expired",
	alertCertificateUnknown:     "certificate_unknown",
	alertIllegalParameter:       "illegal_parameter",
	alertUnknownCA:              "unknown_ca",
	alertAccessDenied:           "access_denied",
	alertDecodeError:            "decode_error",
	alertDecryptError:           "decrypt_error",
	alertProtocolVersion:        "protocol_version",
	alertInsufficientSecurity:   "insufficient_security",
	alertInternalError:          "internal_error",
	alertUserCanceled:           "user_canceled",
	alertNoRenegotiation:        "no_renegotiation",
	alertUnsupportedExtension:   "unsupported_extension",
	alertUnrecognizedName:       "unrecognized_name",
	alertCertificateRequired:    "certificate_required",
	alertNoApplicationProtocol:  "no_application_protocol",
}

func (a Alert) String() string {
	if s, ok := alertText[a]; ok {
		return s
	}
	return "alert(" + strconv.Itoa(int(a)) + ")"
}

// kind classifies an alert received from the peer.
func (a Alert) kind() ErrorKind {
	switch a {
	case alertBadCertificate, alertUnsupportedCertificate, alertCertificateRevoked,
		alertCertificateExpired, alertCertificateUnknown, alertUnknownCA,
		alertAccessDenied, alertCertificateRequired:
		return KindAuthentication
	case alertBadRecordMAC, alertDecryptError:
		return KindCrypto
	default:
		return KindProtocol
	}
}

// RemoteAlertError is a fatal alert sent by the peer.
type RemoteAlertError struct {
	Alert Alert
}

func (e *RemoteAlertError) Error() string {
	return "remote error: " + e.Alert.String()
}
