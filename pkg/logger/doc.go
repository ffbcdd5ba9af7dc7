// Package logger builds configured *slog.Logger instances for billing
// services.
//
// The single factory, New, applies functional options to select an output
// format (text or json), a minimum level, static attributes, and
// ContextExtractor callbacks that pull request-scoped values out of a
// context.Context on every log call.
//
// Attribute constructors in attr.go keep key naming consistent across the
// codebase: SubscriptionID, PlanID, AttemptID, FailureCode and friends all
// emit the same keys the billing engine uses in its own log records.
//
// # Usage
//
//	log := logger.New(
//		logger.WithProduction("billing-worker"),
//		logger.WithContextValue("request_id", ctxKeyRequestID),
//	)
//	logger.SetAsDefault(log)
//
//	log.InfoContext(ctx, "subscription renewed",
//		logger.SubscriptionID(sub.ID),
//		logger.PlanID(sub.PlanID),
//		logger.Amount("9.99", "USD"),
//	)
//
// Error and Errors return an empty attribute for nil errors, so they can be
// passed unconditionally.
package logger
