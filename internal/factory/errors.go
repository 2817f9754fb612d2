package factory

import "github.com/nestfolio/nestfolio/internal/domain"

var (
	ErrReentrantCall = domain.NewRevert(domain.KindExecution, "ReentrancyGuard: reentrant call")

	ErrCallerNotOwner          = domain.NewRevert(domain.KindAuthorization, "NF: CALLER_NOT_OWNER")
	ErrLockedNft               = domain.NewRevert(domain.KindAuthorization, "NF: LOCKED_NFT")
	ErrInvalidOperatorName     = domain.NewRevert(domain.KindValidation, "NF: INVALID_OPERATOR_NAME")
	ErrExistentOperator        = domain.NewRevert(domain.KindValidation, "NF: EXISTENT_OPERATOR")
	ErrNonExistentOperator     = domain.NewRevert(domain.KindValidation, "NF: NON_EXISTENT_OPERATOR")
	ErrDiscountTooHigh         = domain.NewRevert(domain.KindValidation, "NF: DISCOUNT_TOO_HIGH")
	ErrInvalidAmount           = domain.NewRevert(domain.KindValidation, "NF: INVALID_AMOUNT")
	ErrInvalidOrders           = domain.NewRevert(domain.KindValidation, "NF: INVALID_ORDERS")
	ErrInvalidMultiOrders      = domain.NewRevert(domain.KindValidation, "NF: INVALID_MULTI_ORDERS")
	ErrInputsLengthMustMatch   = domain.NewRevert(domain.KindValidation, "NF: INPUTS_LENGTH_MUST_MATCH")
	ErrWrongMsgValue           = domain.NewRevert(domain.KindValidation, "NF: WRONG_MSG_VALUE")
	ErrNoETHFromReserve        = domain.NewRevert(domain.KindValidation, "NF: NO_ETH_FROM_RESERVE")
	ErrInvalidTokenIndex       = domain.NewRevert(domain.KindValidation, "NF: INVALID_TOKEN_INDEX")
	ErrUnallowedEmptyPortfolio = domain.NewRevert(domain.KindValidation, "NF: UNALLOWED_EMPTY_PORTFOLIO")
	ErrReserveMismatch         = domain.NewRevert(domain.KindValidation, "NF: RESERVE_MISMATCH")

	ErrOperatorCallFailed = domain.NewRevert(domain.KindExecution, "NF: OPERATOR_CALL_FAILED")
	ErrNothingBought      = domain.NewRevert(domain.KindExecution, "NF: NOTHING_BOUGHT")
	ErrInvalidOutputToken = domain.NewRevert(domain.KindExecution, "MOR: INVALID_OUTPUT_TOKEN")
	ErrInvalidInputToken  = domain.NewRevert(domain.KindExecution, "MOR: INVALID_INPUT_TOKEN")

	ErrOverspent           = domain.NewRevert(domain.KindAccounting, "NF: OVERSPENT")
	ErrInsufficientBalance = domain.NewRevert(domain.KindAccounting, "NF: INSUFFICIENT_BALANCE")
	ErrInsufficientAmount  = domain.NewRevert(domain.KindAccounting, "NF: INSUFFICIENT_AMOUNT")
	ErrInvalidAmountIn     = domain.NewRevert(domain.KindAccounting, "NF: INVALID_AMOUNT_IN")
)
