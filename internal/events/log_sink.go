package events

import "go.uber.org/zap"

// LogSink returns a handler that writes every event as a structured log line.
func LogSink(logger *zap.Logger) Handler {
	return func(e Event) {
		fields := []zap.Field{
			zap.String("eventId", e.ID),
			zap.String("botId", e.BotID),
			zap.String("symbol", e.Symbol),
		}
		if e.Price != 0 {
			fields = append(fields, zap.Float64("price", e.Price))
		}
		if e.PreviousStop != 0 || e.NewStop != 0 {
			fields = append(fields, zap.Float64("previousStop", e.PreviousStop), zap.Float64("newStop", e.NewStop))
		}
		if e.OrderID != "" {
			fields = append(fields, zap.String("orderId", e.OrderID))
		}
		if e.Phase != "" {
			fields = append(fields, zap.String("phase", string(e.Phase)))
		}
		if e.Reason != "" {
			fields = append(fields, zap.String("reason", e.Reason))
		}

		switch e.Type {
		case OrderReplaceFailed:
			logger.Error(string(e.Type), fields...)
		case StopTriggered, StateCleaned:
			logger.Warn(string(e.Type), fields...)
		default:
			logger.Info(string(e.Type), fields...)
		}
	}
}
