// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
// Codes are dotted paths whose last segment is the reason used by the
// Is* classifiers.
type Code string

const (
	CodeStoreDatabaseFailure    Code = "store.database.failure"
	CodeStoreBackendUnsupported Code = "store.backend.unsupported"
	CodeStoreTaskNotFound       Code = "store.task.get.not_found"
	CodeStoreInvalidInput       Code = "store.invalid_input"

	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigParseInvalidFormat   Code = "config.parse.invalid_format"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodeSecretNotFound       Code = "secret.store.not_found"
	CodeSecretInvalidInput   Code = "secret.store.invalid_input"
	CodeSecretStoreFailure   Code = "secret.store.failure"
	CodeSecretResolveFailure Code = "secret.resolve.failure"

	CodeProviderRequestInvalid  Code = "provider.request.invalid"
	CodeProviderResponseInvalid Code = "provider.response.invalid"
	CodeProviderUpstreamFailure Code = "provider.upstream.failure"
	CodeProviderNotFound        Code = "provider.registry.not_found"
	CodeProviderAllUnavailable  Code = "provider.routing.all_unavailable"
	CodeProviderNoDefault       Code = "provider.routing.no_default"
	CodeProviderInvalidModelRef Code = "provider.routing.invalid_model_ref"

	CodePipelineConfigInvalid     Code = "pipeline.config.invalid"
	CodePipelineValidateInvalid   Code = "pipeline.validate.invalid_input"
	CodePipelineRequestCancelled  Code = "pipeline.request.cancelled"
	CodePipelineStageFailure      Code = "pipeline.stage.failure"
	CodePipelineTurnLimitExceeded Code = "pipeline.turn.exceeded"

	CodeToolRegistryNotFound     Code = "tool.registry.not_found"
	CodeToolRegistryInvalidInput Code = "tool.registry.invalid_input"
	CodeToolArgsInvalid          Code = "tool.args.invalid_input"
	CodeToolSecurityDenied       Code = "tool.security.denied"
	CodeToolCallTimeout          Code = "tool.call.timeout"
	CodeToolCallCancelled        Code = "tool.call.cancelled"
	CodeToolCallFailure          Code = "tool.call.failure"
	CodeToolConfirmationNotFound Code = "tool.confirmation.not_found"
	CodeToolConfirmationConflict Code = "tool.confirmation.conflict"
	CodeToolCustomInvalid        Code = "tool.custom.invalid_format"

	CodeRedactRuleInvalid Code = "redact.rule.invalid_format"

	CodeAgentLoopIntervalInvalid  Code = "agentloop.interval.invalid_value"
	CodeAgentLoopQuestionNotFound Code = "agentloop.question.not_found"
	CodeAgentLoopSpawnFailure     Code = "agentloop.spawn.failure"
	CodeAgentLoopQuestionInvalid  Code = "agentloop.question.invalid_input"
	CodeAgentLoopClosed           Code = "agentloop.controller.closed"

	CodeCheckpointWALCorrupt      Code = "checkpoint.wal.corrupt"
	CodeCheckpointSlotCorrupt     Code = "checkpoint.slot.corrupt"
	CodeCheckpointManifestCorrupt Code = "checkpoint.manifest.corrupt"
	CodeCheckpointNotFound        Code = "checkpoint.slot.not_found"
	CodeCheckpointIOFailure       Code = "checkpoint.io.failure"
	CodeCheckpointLockConflict    Code = "checkpoint.lock.conflict"
	CodeCheckpointInvalidInput    Code = "checkpoint.write.invalid_input"

	CodeTaskNotFound       Code = "task.registry.not_found"
	CodeTaskInvalidInput   Code = "task.spawn.invalid_input"
	CodeTaskManagerClosed  Code = "task.manager.closed"
	CodeTaskScheduleFormat Code = "task.schedule.invalid_format"
	CodeTaskRunFailure     Code = "task.run.failure"
	CodeTaskConflict       Code = "task.cancel.conflict"

	CodeServiceNotFound Code = "services.lookup.not_found"

	CodeServerRequestInvalid  Code = "server.request.invalid"
	CodeServerInternalFailure Code = "server.internal.failure"
	CodeServerEntityNotFound  Code = "server.entity.not_found"
	CodeServerConfigInvalid   Code = "server.config.invalid"
	CodeServerStartFailure    Code = "server.start.failure"
	CodeServerShutdownFailure Code = "server.shutdown.failure"

	CodeCLIRequestFailure    Code = "cli.request.failure"
	CodeCLISetupFailure      Code = "cli.setup.failure"
	CodeCLIInputInvalid      Code = "cli.input.invalid"
	CodeCLIDaemonUnavailable Code = "cli.daemon.unavailable"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldTaskID(value string) Attr {
	return Field("task_id", value)
}

func FieldRequestID(value string) Attr {
	return Field("request_id", value)
}

func FieldTool(value string) Attr {
	return Field("tool", value)
}

func FieldStage(value string) Attr {
	return Field("stage", value)
}

func FieldProvider(value string) Attr {
	return Field("provider", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

// With adds structured fields to an existing error chain.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	if code == "" {
		code = CodeServerInternalFailure
	}

	return oops.Code(code).With(flatten(fields)...).Wrap(err)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsConflict(err error) bool {
	return reason(CodeOf(err)) == "conflict"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value" || r == "invalid_format"
}

func IsUnauthorized(err error) bool {
	r := reason(CodeOf(err))
	return r == "unauthorized" || r == "forbidden" || r == "denied"
}

func IsTimeout(err error) bool {
	return reason(CodeOf(err)) == "timeout"
}

// IsCancelled reports whether err is a cancellation, either coded or a bare
// context error anywhere in the chain.
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	if reason(CodeOf(err)) == "cancelled" {
		return true
	}
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}

func IsCorrupt(err error) bool {
	return reason(CodeOf(err)) == "corrupt"
}

func IsUpstreamFailure(err error) bool {
	code := CodeOf(err)
	return strings.Contains(string(code), "upstream") && reason(code) == "failure"
}

func HTTPStatus(err error) int {
	switch {
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err):
		return http.StatusConflict
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsUnauthorized(err):
		if reason(CodeOf(err)) == "unauthorized" {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	case IsUpstreamFailure(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func Join(errs ...error) error {
	joined := stderrors.Join(errs...)
	if joined == nil {
		return nil
	}
	return oops.Code(CodeServerInternalFailure).Wrap(joined)
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
