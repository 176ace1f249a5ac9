package model

import "errors"

var (
	// ErrRaffleNotFound возвращается для неизвестного розыгрыша.
	ErrRaffleNotFound = errors.New("raffle not found")
	// ErrRaffleInactive возвращается, если розыгрыш выключен или уже закрыт.
	ErrRaffleInactive = errors.New("raffle is not active")
	// ErrRaffleNotStarted возвращается до начала продаж.
	ErrRaffleNotStarted = errors.New("raffle has not started")
	// ErrRaffleEnded возвращается после даты окончания розыгрыша.
	ErrRaffleEnded = errors.New("raffle has ended")
	// ErrSoldOut возвращается, когда все места заняты.
	ErrSoldOut = errors.New("raffle is sold out")
	// ErrTicketNotFound возвращается для неизвестного билета или счёта.
	ErrTicketNotFound = errors.New("ticket not found")
	// ErrTicketNotPending возвращается при попытке привязать счёт к билету не в статусе pending.
	ErrTicketNotPending = errors.New("ticket is not pending")
	// ErrWinnerNotFound возвращается, если у розыгрыша нет победителя.
	ErrWinnerNotFound = errors.New("winner not found")
	// ErrNotWinner возвращается, если приз пытается получить не победитель.
	ErrNotWinner = errors.New("user is not the winner")
)

// Причины отказа в резервировании, видимые покупателю.
const (
	ReasonSoldOut          = "SoldOut"
	ReasonRaffleInactive   = "RaffleInactive"
	ReasonRaffleEnded      = "RaffleEnded"
	ReasonRaffleNotStarted = "RaffleNotStarted"
)

// RejectionReason возвращает причину отказа для ошибки резервирования или пустую строку,
// если ошибка не является отказом.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrSoldOut):
		return ReasonSoldOut
	case errors.Is(err, ErrRaffleInactive):
		return ReasonRaffleInactive
	case errors.Is(err, ErrRaffleEnded):
		return ReasonRaffleEnded
	case errors.Is(err, ErrRaffleNotStarted):
		return ReasonRaffleNotStarted
	default:
		return ""
	}
}
