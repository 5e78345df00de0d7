package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	xerrors "BioScholar-Vault/internal/errors"
	"BioScholar-Vault/internal/grant"
	"BioScholar-Vault/internal/ledger"
	"BioScholar-Vault/internal/payout"
	"BioScholar-Vault/internal/proofs"
	"BioScholar-Vault/pkg/logger"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Payout 在 ?wait=true 得到终态失败时附带放款单。
	Payout *payout.Payout `json:"payout,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.L().Warn("写入响应失败", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

// writeFailure 把领域错误映射为 HTTP 状态码。
func writeFailure(w http.ResponseWriter, err error) {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		writeError(w, http.StatusBadRequest, string(payout.CodePayoutValidation), validationErrs.Error())
		return
	}
	code := xerrors.CodeOf(err)
	status := statusForCode(code)
	if status == http.StatusInternalServerError {
		logger.L().Error("请求处理失败", slog.Any("error", err), slog.String("code", string(code)))
	}
	writeError(w, status, string(code), err.Error())
}

func statusForCode(code xerrors.Code) int {
	switch code {
	case payout.CodePayoutValidation, xerrors.CodeInvalidArgument, proofs.CodeInvalidSignature:
		return http.StatusBadRequest
	case grant.CodeUnauthorized, xerrors.CodePermissionDenied:
		return http.StatusForbidden
	case payout.CodePayoutNotFound, xerrors.CodeNotFound:
		return http.StatusNotFound
	case payout.CodePayoutConflict, xerrors.CodeConflict:
		return http.StatusConflict
	case ledger.CodeInsufficientFunds:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
