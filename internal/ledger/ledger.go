package ledger

// Reconcile 根据账单金额和已投入金额计算差额与找零
//
// 两个结果总是一起计算：deposit > billing 时只有找零，否则只有差额（相等时两者都为 0）。
// 调用方必须在同一临界区内同时写入两个值，避免读到不一致的中间状态。
func Reconcile(billingAmount, depositAmount int64) (shortfall, change int64) {
	if depositAmount > billingAmount {
		return 0, depositAmount - billingAmount
	}
	return billingAmount - depositAmount, 0
}
