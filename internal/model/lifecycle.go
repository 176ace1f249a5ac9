package model

import "time"

// Outcome описывает результат команды перехода состояния билета.
// Недопустимые переходы не являются ошибками: они выражаются исходом без изменения состояния.
type Outcome string

const (
	OutcomePaid            Outcome = "paid"
	OutcomeAlreadyPaid     Outcome = "already_paid"
	OutcomeResurrected     Outcome = "resurrected"
	OutcomeRefundRequired  Outcome = "refund_required"
	OutcomeInvoiceMismatch Outcome = "invoice_mismatch"
	OutcomeExpired         Outcome = "expired"
	OutcomeAlreadyExpired  Outcome = "already_expired"
)

// Changed сообщает, изменил ли исход состояние билета.
func (o Outcome) Changed() bool {
	switch o {
	case OutcomePaid, OutcomeResurrected, OutcomeExpired:
		return true
	default:
		return false
	}
}

// Transition содержит билет после выполнения команды и её исход.
type Transition struct {
	Ticket  Ticket
	Outcome Outcome
}

// CheckReservable проверяет, можно ли занять ещё одно место в розыгрыше.
// Счётчики Paid и Pending должны быть получены в той же транзакции, что и резервирование.
func CheckReservable(r Raffle, now time.Time) error {
	switch {
	case !r.Active || r.Closed():
		return ErrRaffleInactive
	case now.Before(r.StartsAt):
		return ErrRaffleNotStarted
	case now.After(r.EndsAt):
		return ErrRaffleEnded
	case r.Sold() >= r.TotalTickets:
		return ErrSoldOut
	}
	return nil
}

// NextFreeNumber возвращает наименьший номер из 1..total, не занятый живым билетом.
func NextFreeNumber(total int, taken []int) (int, bool) {
	used := make(map[int]struct{}, len(taken))
	for _, n := range taken {
		used[n] = struct{}{}
	}
	for n := 1; n <= total; n++ {
		if _, ok := used[n]; !ok {
			return n, true
		}
	}
	return 0, false
}

// DecidePayment определяет исход подтверждения оплаты по счёту invoiceID для билета розыгрыша r.
//
// Оплата имеет приоритет над истечением резервирования: истёкший билет возвращается в paid,
// если CanResurrect(r). После подведения итогов оплата не меняет состояние ни pending-, ни
// expired-билета: исход OutcomeRefundRequired, платёж подлежит возврату.
func DecidePayment(t Ticket, invoiceID string, r Raffle) Outcome {
	if !t.HasInvoice(invoiceID) {
		return OutcomeInvoiceMismatch
	}

	switch t.Status {
	case TicketStatusPending:
		if Drawn(r) {
			return OutcomeRefundRequired
		}
		return OutcomePaid
	case TicketStatusPaid:
		return OutcomeAlreadyPaid
	default:
		if CanResurrect(r) {
			return OutcomeResurrected
		}
		return OutcomeRefundRequired
	}
}

// DecideExpiry определяет исход истечения резервирования. Истекать может только pending.
func DecideExpiry(t Ticket) Outcome {
	switch t.Status {
	case TicketStatusPending:
		return OutcomeExpired
	case TicketStatusPaid:
		return OutcomeAlreadyPaid
	default:
		return OutcomeAlreadyExpired
	}
}

// Drawn сообщает, подведены ли итоги розыгрыша.
func Drawn(r Raffle) bool {
	return r.Closed() || r.Winner != nil
}

// CanResurrect сообщает, может ли истёкший билет снова занять место в розыгрыше.
func CanResurrect(r Raffle) bool {
	return !Drawn(r) && r.Sold() < r.TotalTickets
}

// Apply применяет изменивший состояние исход к билету.
func (o Outcome) Apply(t *Ticket, now time.Time) {
	switch o {
	case OutcomePaid, OutcomeResurrected:
		t.Status = TicketStatusPaid
		t.PurchasedAt = &now
	case OutcomeExpired:
		t.Status = TicketStatusExpired
		t.ExpiredAt = &now
	}
}

// Причины, по которым розыгрыш закрывается или остаётся открытым.
const (
	CloseReasonSoldOut       = "sold out"
	CloseReasonEnded         = "ended"
	CloseReasonAlreadyClosed = "already closed"
	CloseReasonSelling       = "still selling"
)

// CheckClosable определяет, можно ли подводить итоги розыгрыша: распроданы все места
// (оплаченные и ожидающие оплаты) или прошла дата окончания. Победитель выбирается только
// среди оплаченных билетов.
func CheckClosable(r Raffle, now time.Time) (bool, string) {
	switch {
	case Drawn(r):
		return false, CloseReasonAlreadyClosed
	case r.Sold() >= r.TotalTickets:
		return true, CloseReasonSoldOut
	case now.After(r.EndsAt):
		return true, CloseReasonEnded
	default:
		return false, CloseReasonSelling
	}
}
