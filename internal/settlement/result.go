package settlement

// PaymentMethod 支付方式
type PaymentMethod string

const PaymentMethodCash PaymentMethod = "cash"

// Result 结算结果，交易成功时构建一次
type Result struct {
	PaymentMethod PaymentMethod `json:"payment_method"`
	DepositTotal  int64         `json:"deposit_total"`
	DepositCash   int64         `json:"deposit_cash"`
	Change        int64         `json:"change"`
	DepositCredit int64         `json:"deposit_credit"`
}

// BuildResult 用交易快照中的金额构建现金结算结果
func BuildResult(snap Snapshot) (Result, error) {
	if snap.DepositAmount < 0 {
		return Result{}, &ResultConstructionError{Field: "deposit", Amount: snap.DepositAmount}
	}
	if snap.ChangeAmount < 0 {
		return Result{}, &ResultConstructionError{Field: "change", Amount: snap.ChangeAmount}
	}
	return Result{
		PaymentMethod: PaymentMethodCash,
		DepositTotal:  snap.DepositAmount,
		DepositCash:   snap.DepositAmount,
		Change:        snap.ChangeAmount,
		DepositCredit: 0,
	}, nil
}
