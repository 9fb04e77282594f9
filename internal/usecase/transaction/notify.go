package transaction

import (
	"fmt"

	"ussd-service/internal/domain"
)

func money(amount, currency string) string {
	return fmt.Sprintf("%s %s", amount, currency)
}

// notification renders the SMS sent when a transaction reaches a final status.
func notification(tx *domain.Transaction) string {
	amt := money(tx.Amount.StringFixed(2), tx.Currency)

	switch tx.Status {
	case domain.TxStatusCompleted:
		switch tx.Type {
		case domain.TxTypeTransfer:
			return fmt.Sprintf("You sent %s to %s. Ref %s.", amt, tx.Metadata.Recipient, tx.ID)
		case domain.TxTypeReceive:
			return fmt.Sprintf("You received %s from %s. Ref %s.", amt, tx.Metadata.Sender, tx.ID)
		case domain.TxTypeDeposit:
			credited := amt
			if tx.Metadata.MintedAmount != nil {
				credited = money(tx.Metadata.MintedAmount.StringFixed(2), domain.BaseCurrency)
			}
			return fmt.Sprintf("Deposit of %s received. %s credited to your wallet. Ref %s.", amt, credited, tx.ID)
		case domain.TxTypeWithdrawal:
			return fmt.Sprintf("Withdrawal of %s sent to your mobile money. Ref %s.", amt, tx.ID)
		case domain.TxTypeInvestment:
			return fmt.Sprintf("You invested %s in %s. Ref %s.", amt, tx.Metadata.Vault, tx.ID)
		}
	case domain.TxStatusFailed:
		if tx.Metadata.MintedAmount != nil && tx.Type == domain.TxTypeWithdrawal {
			return fmt.Sprintf("Withdrawal of %s failed. The amount was returned to your wallet. Ref %s.", amt, tx.ID)
		}
		return fmt.Sprintf("Your %s of %s failed. Ref %s.", tx.Type, amt, tx.ID)
	case domain.TxStatusCancelled:
		return fmt.Sprintf("Your %s of %s was cancelled. Ref %s.", tx.Type, amt, tx.ID)
	}
	return ""
}
