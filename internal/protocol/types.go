package protocol

// ProtocolVersion is advertised in identity packets.
const ProtocolVersion int64 = 7

// Packet type tags.
const (
	TypeIdentity           = "kdeconnect.identity"
	TypePair               = "kdeconnect.pair"
	TypePing               = "kdeconnect.ping"
	TypeBattery            = "kdeconnect.battery"
	TypeBatteryRequest     = "kdeconnect.battery.request"
	TypeClipboard          = "kdeconnect.clipboard"
	TypeClipboardConnect   = "kdeconnect.clipboard.connect"
	TypeShareRequest       = "kdeconnect.share.request"
	TypeShareRequestUpdate = "kdeconnect.share.request.update"
)

// Share metadata keys shared by the transfer engine and share module.
const (
	KeyFilename         = "filename"
	KeyNumberOfFiles    = "numberOfFiles"
	KeyTotalPayloadSize = "totalPayloadSize"
	KeyOpen             = "open"
	KeyText             = "text"
	KeyURL              = "url"
)

// Kind names the closed set of body value shapes.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindStringList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int64"
	case KindFloat:
		return "float64"
	case KindString:
		return "string"
	case KindStringList:
		return "string-list"
	case KindMap:
		return "map"
	default:
		return "invalid"
	}
}

// KindOf reports the kind of a normalized body value.
func KindOf(v any) Kind {
	switch v.(type) {
	case bool:
		return KindBool
	case int64:
		return KindInt
	case float64:
		return KindFloat
	case string:
		return KindString
	case []string:
		return KindStringList
	case Body:
		return KindMap
	default:
		return KindInvalid
	}
}
