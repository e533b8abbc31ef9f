package payment

import (
	"context"
	"errors"
	"testing"

	"github.com/BearBump/CourierDesk/internal/broker/messages"
	"github.com/BearBump/CourierDesk/internal/integrations/ordersapi"
	"github.com/BearBump/CourierDesk/internal/models"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type paymentAPIMock struct {
	mock.Mock
}

func (m *paymentAPIMock) ConfirmPayment(ctx context.Context, id models.Identity, p ordersapi.PaymentConfirmation) error {
	return m.Called(ctx, id, p).Error(0)
}

type journalMock struct {
	mock.Mock
}

func (m *journalMock) Record(ctx context.Context, out messages.ActionOutcome) error {
	return m.Called(ctx, out).Error(0)
}

type ConfirmerSuite struct {
	suite.Suite

	api     *paymentAPIMock
	journal *journalMock
	c       *Confirmer
}

var carol = models.Identity{UserID: "carol"}

func (s *ConfirmerSuite) SetupTest() {
	s.api = &paymentAPIMock{}
	s.journal = &journalMock{}
	s.c = NewConfirmer(s.api, NewGuard(nil), carol).WithJournal(s.journal)
}

func (s *ConfirmerSuite) TestRemountConfirmsOnce() {
	q := redirectQuery("00", "TX1", "5000", "20250301143005")
	s.api.On("ConfirmPayment", mock.Anything, carol, mock.MatchedBy(func(p ordersapi.PaymentConfirmation) bool {
		return p.TxnRef == "TX1" && p.Amount == 5000 && p.ResponseCode == "00"
	})).Return(nil).Once()
	s.journal.On("Record", mock.Anything, mock.MatchedBy(func(o messages.ActionOutcome) bool {
		return o.Action == messages.ActionConfirmPayment && o.TxnRef == "TX1" && o.Outcome == messages.OutcomeSucceeded
	})).Return(nil).Once()

	res := s.c.HandleRedirect(context.Background(), q)
	s.Require().Equal(OutcomeConfirmed, res.Outcome)
	s.Require().Equal("01/03/2025 14:30:05", res.Redirect.PaidAtText)

	res = s.c.HandleRedirect(context.Background(), q)
	s.Require().Equal(OutcomeDuplicate, res.Outcome)

	s.api.AssertNumberOfCalls(s.T(), "ConfirmPayment", 1)
	s.journal.AssertExpectations(s.T())
}

func (s *ConfirmerSuite) TestDeclinedDoesNotCallBackend() {
	res := s.c.HandleRedirect(context.Background(), redirectQuery("24", "TX2", "5000", "20250301143005"))
	s.Require().Equal(OutcomeDeclined, res.Outcome)
	s.api.AssertNotCalled(s.T(), "ConfirmPayment", mock.Anything, mock.Anything, mock.Anything)
}

func (s *ConfirmerSuite) TestMalformedDegrades() {
	res := s.c.HandleRedirect(context.Background(), redirectQuery("00", "TX3", "abc", "20250301143005"))
	s.Require().Equal(OutcomeInvalid, res.Outcome)
	s.Require().Nil(res.Redirect)
	s.Require().Contains(res.Message, ParamAmount)
	s.api.AssertNotCalled(s.T(), "ConfirmPayment", mock.Anything, mock.Anything, mock.Anything)
}

func (s *ConfirmerSuite) TestFailedThenRetry() {
	q := redirectQuery("00", "TX4", "100", "20250301143005")
	s.api.On("ConfirmPayment", mock.Anything, carol, mock.Anything).Return(errors.New("503")).Once()
	s.api.On("ConfirmPayment", mock.Anything, carol, mock.Anything).Return(nil).Once()
	s.journal.On("Record", mock.Anything, mock.Anything).Return(errors.New("kafka down"))

	res := s.c.HandleRedirect(context.Background(), q)
	s.Require().Equal(OutcomeFailed, res.Outcome)
	s.Require().Contains(res.Message, "503")

	res = s.c.HandleRedirect(context.Background(), q)
	s.Require().Equal(OutcomeDuplicate, res.Outcome)

	res, err := s.c.Retry(context.Background(), "TX4")
	s.Require().NoError(err)
	s.Require().Equal(OutcomeConfirmed, res.Outcome)

	_, err = s.c.Retry(context.Background(), "TX4")
	s.Require().ErrorIs(err, ErrNotRetryable)
	s.api.AssertNumberOfCalls(s.T(), "ConfirmPayment", 2)
}

func (s *ConfirmerSuite) TestRetryAfterConfirmedMakesNoCall() {
	s.api.On("ConfirmPayment", mock.Anything, carol, mock.Anything).Return(nil).Once()
	s.journal.On("Record", mock.Anything, mock.Anything).Return(nil)

	res := s.c.HandleRedirect(context.Background(), redirectQuery("00", "TX1", "5000", "20250301143005"))
	s.Require().Equal(OutcomeConfirmed, res.Outcome)

	_, err := s.c.Retry(context.Background(), "TX1")
	s.Require().ErrorIs(err, ErrNotRetryable)
	s.api.AssertNumberOfCalls(s.T(), "ConfirmPayment", 1)
}

func (s *ConfirmerSuite) TestRetryWhileConfirmingIsRefused() {
	started := make(chan struct{})
	release := make(chan struct{})
	s.api.On("ConfirmPayment", mock.Anything, carol, mock.Anything).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(nil).Once()
	s.journal.On("Record", mock.Anything, mock.Anything).Return(nil)

	done := make(chan Result, 1)
	go func() {
		done <- s.c.HandleRedirect(context.Background(), redirectQuery("00", "TX5", "700", "20250301143005"))
	}()
	<-started

	_, err := s.c.Retry(context.Background(), "TX5")
	s.Require().ErrorIs(err, ErrNotRetryable)

	close(release)
	s.Require().Equal(OutcomeConfirmed, (<-done).Outcome)
	s.api.AssertNumberOfCalls(s.T(), "ConfirmPayment", 1)
}

func (s *ConfirmerSuite) TestStatus() {
	s.api.On("ConfirmPayment", mock.Anything, carol, mock.Anything).Return(errors.New("503")).Once()
	s.journal.On("Record", mock.Anything, mock.Anything).Return(nil)

	_, err := s.c.Status(context.Background(), "TX6")
	s.Require().ErrorIs(err, ErrUnknownRef)

	s.c.HandleRedirect(context.Background(), redirectQuery("00", "TX6", "700", "20250301143005"))
	st, err := s.c.Status(context.Background(), "TX6")
	s.Require().NoError(err)
	s.Require().Equal(OutcomeFailed, st.LastOutcome)
	s.Require().False(st.Retrying)
	s.Require().NotNil(st.MarkedAt)
	s.Require().Equal(int64(700), st.Redirect.Amount)
}

func (s *ConfirmerSuite) TestRetryUnknownRef() {
	_, err := s.c.Retry(context.Background(), "nope")
	s.Require().ErrorIs(err, ErrUnknownRef)
}

func TestConfirmerSuite(t *testing.T) {
	suite.Run(t, new(ConfirmerSuite))
}
