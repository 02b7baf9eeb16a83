package logger

import "log/slog"

func Conversation(id string) slog.Attr {
	return slog.String("conversation_id", id)
}

func Offer(id string) slog.Attr {
	return slog.String("offer_id", id)
}

func MessageID(id string) slog.Attr {
	return slog.String("message_id", id)
}

func FrameType(t string) slog.Attr {
	return slog.String("frame_type", t)
}

func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
