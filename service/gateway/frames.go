package gateway

import (
	"encoding/json"

	"PulseIM/realtime/event"
	decode "PulseIM/tools/decode"
	"PulseIM/tools/errs"
)

// ===== 上行帧 =====
// 客户端→网关的指令帧。下行统一用 event.Envelope，不走这套结构。

const (
	OpHeartbeat   = "heartbeat"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpSend        = "send"
	OpAck         = "ack"
	OpTyping      = "typing"
	OpReact       = "react"
	OpActivity    = "activity"
	OpBusy        = "busy"
)

type ClientFrame struct {
	V    int             `json:"v"`
	Op   string          `json:"op"`
	ID   string          `json:"id,omitempty"` // 客户端请求号，应答/报错时原样带回
	Data json.RawMessage `json:"data,omitempty"`
}

type SubscribeData struct {
	TopicID string `json:"topic_id"`
}

type SendData struct {
	ConversationID string `json:"conversation_id"`
	ClientMsgID    string `json:"client_msg_id"`
	Content        string `json:"content"`
}

type AckData struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"` // delivered / read
}

type TypingData struct {
	ConversationID string `json:"conversation_id"`
	Typing         bool   `json:"typing"`
}

type ReactData struct {
	ContentID    string `json:"content_id"`
	ReactionType string `json:"reaction_type"`
	Delta        int64  `json:"delta"` // +1 点赞 / -1 取消
}

type ActivityData struct {
	Hint string `json:"hint,omitempty"` // scroll/focus/input...
}

type BusyData struct {
	Busy bool `json:"busy"`
}

func decodeFrame(raw []byte) (ClientFrame, error) {
	var fr ClientFrame
	if err := json.Unmarshal(raw, &fr); err != nil {
		return fr, errs.WrapMsg(err, "bad frame")
	}
	if fr.V != event.EnvelopeVersion {
		return fr, errs.New("unsupported frame version", "v", fr.V)
	}
	if fr.Op == "" {
		return fr, errs.New("missing op")
	}
	return fr, nil
}

// decodeData 宽松解码：客户端把数字写成字符串这类小毛病不拒收。
func decodeData[T any](fr ClientFrame) (*T, error) {
	if len(fr.Data) == 0 {
		return nil, errs.New("missing data", "op", fr.Op)
	}
	out, err := decode.DecodeRaw[T](fr.Data)
	if err != nil {
		return nil, errs.WrapMsg(err, "bad data", "op", fr.Op)
	}
	return out, nil
}
