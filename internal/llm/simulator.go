package llm

import (
	"context"
	"fmt"
	"time"

	"stormline/internal/domain"
)

// Simulator returns canned artifacts after an artificial delay. It makes no
// external calls. FailPhase names one phase whose call returns an error.
type Simulator struct {
	Delay     time.Duration
	FailPhase string
	Now       func() time.Time
}

func (s *Simulator) wait(ctx context.Context, phase string) error {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}
	if s.FailPhase != "" && s.FailPhase == phase {
		return fmt.Errorf("simulated %s failure", phase)
	}
	return nil
}

func (s *Simulator) today() time.Time {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return now()
}

func (s *Simulator) EventStorming(ctx context.Context, _ string) (domain.EventStorming, error) {
	if err := s.wait(ctx, domain.PhaseEventStorming); err != nil {
		return domain.EventStorming{}, err
	}
	return domain.EventStorming{
		Events:     []string{"주문 생성됨", "결제 완료됨", "배송 시작됨"},
		Commands:   []string{"주문하기", "결제하기", "배송하기"},
		Actors:     []string{"고객", "관리자"},
		Policies:   []string{"재고 확인 필요", "결제 승인 필요"},
		Aggregates: []string{"주문", "결제", "배송"},
		Flow: []domain.FlowEdge{
			{From: "고객", To: "주문하기", Type: domain.FlowOther},
			{From: "주문하기", To: "주문 생성됨", Type: domain.FlowTriggers},
			{From: "결제 완료됨", To: "환불 정책", Type: domain.FlowApplies},
		},
	}, nil
}

func (s *Simulator) Diagram(ctx context.Context, es domain.EventStorming) (string, error) {
	if err := s.wait(ctx, domain.PhaseDiagram); err != nil {
		return "", err
	}
	return "flowchart LR\n    A1((고객))\n    C1[주문하기]\n    E1[주문 생성됨]\n    A1 --> C1\n    C1 --> E1\n", nil
}

func (s *Simulator) Discussion(ctx context.Context, _ domain.EventStorming) ([]domain.DiscussionEntry, error) {
	if err := s.wait(ctx, domain.PhaseDiscussion); err != nil {
		return nil, err
	}
	return []domain.DiscussionEntry{
		{Author: "PO", Content: "주문 프로세스의 핵심은 고객 경험입니다."},
		{Author: "개발자", Content: "결제 시스템과의 연동이 중요할 것 같습니다."},
		{Author: "QA", Content: "주문 취소와 환불 시나리오도 테스트해야 합니다."},
		{Author: "UX", Content: "주문 상태를 고객이 쉽게 확인할 수 있어야 합니다."},
	}, nil
}

func (s *Simulator) ExampleMapping(ctx context.Context, _ domain.EventStorming, _ []domain.DiscussionEntry) (domain.ExampleMapping, error) {
	if err := s.wait(ctx, domain.PhaseExampleMapping); err != nil {
		return domain.ExampleMapping{}, err
	}
	return domain.ExampleMapping{
		Stories:   []string{"고객으로서, 상품을 주문하고 싶다"},
		Rules:     []string{"재고가 있는 상품만 주문 가능", "결제 완료 후 배송 시작"},
		Examples:  []string{"재고 0개 상품 주문 시 오류 메시지 표시", "결제 실패 시 주문 취소"},
		Questions: []string{"부분 배송은 지원하는가?"},
	}, nil
}

func (s *Simulator) UbiquitousLanguage(ctx context.Context, _ domain.EventStorming, _ []domain.DiscussionEntry, _ domain.ExampleMapping) ([]domain.GlossaryEntry, error) {
	if err := s.wait(ctx, domain.PhaseUbiquitousLanguage); err != nil {
		return nil, err
	}
	return []domain.GlossaryEntry{
		{BoundedContext: "Order Domain", EnglishName: "Order", KoreanName: "주문", Description: "고객이 상품을 구매하기 위해 생성하는 주문 정보"},
		{BoundedContext: "Order Domain", EnglishName: "OrderCreated", KoreanName: "주문 생성됨", Description: "새로운 주문이 성공적으로 생성되었을 때 발생하는 이벤트"},
		{BoundedContext: "Payment Domain", EnglishName: "Payment", KoreanName: "결제", Description: "주문에 대한 대금 지불 처리"},
		{BoundedContext: "Business Rule", EnglishName: "InventoryCheck", KoreanName: "재고 확인", Description: "주문 전 상품의 재고 여부를 확인하는 정책"},
	}, nil
}

func (s *Simulator) WorkPlan(ctx context.Context, _ domain.EventStorming, _ domain.ExampleMapping, _ []domain.GlossaryEntry) (domain.WorkPlan, error) {
	if err := s.wait(ctx, domain.PhaseWorkTickets); err != nil {
		return domain.WorkPlan{}, err
	}
	today := s.today()
	day := func(n int) string { return today.AddDate(0, 0, n).Format(domain.DateLayout) }
	return domain.WorkPlan{
		WorkTickets: []domain.WorkTicket{
			{
				ID: "TASK-001", Title: "주문 API 엔드포인트 구현", Description: "주문 생성, 조회, 수정, 취소 API 구현",
				Type: domain.TicketFeature, Priority: domain.PriorityHigh, EstimatedHours: 16,
				Dependencies: []string{}, Assignee: "Developer", Sprint: 1, StartDate: day(0), EndDate: day(2),
				Tags: []string{"백엔드", "API"}, AcceptanceCriteria: []string{"주문 CRUD API 동작", "API 문서 작성"},
			},
			{
				ID: "TASK-002", Title: "주문 도메인 모델 구현", Description: "주문 애그리거트와 도메인 이벤트 구현",
				Type: domain.TicketFeature, Priority: domain.PriorityHigh, EstimatedHours: 8,
				Dependencies: []string{}, Assignee: "Developer", Sprint: 1, StartDate: day(0), EndDate: day(1),
				Tags: []string{"도메인", "DDD"}, AcceptanceCriteria: []string{"도메인 모델 단위 테스트 통과"},
			},
			{
				ID: "TASK-003", Title: "결제 서비스 통합", Description: "외부 결제 게이트웨이 연동",
				Type: domain.TicketFeature, Priority: domain.PriorityMedium, EstimatedHours: 24,
				Dependencies: []string{"TASK-001"}, Assignee: "Developer", Sprint: 1, StartDate: day(3), EndDate: day(6),
				Tags: []string{"결제", "통합"}, AcceptanceCriteria: []string{"결제 승인과 취소 처리", "결제 실패 시 주문 취소"},
			},
		},
		Milestones: []domain.Milestone{
			{ID: "M1", Title: "MVP 출시", Date: day(14), Description: "핵심 주문 기능 출시"},
			{ID: "M2", Title: "Beta 출시", Date: day(30), Description: "결제와 배송 기능 포함 베타 출시"},
		},
		Timeline: domain.Timeline{
			TotalDays: 30,
			Sprints: []domain.Sprint{
				{Number: 1, StartDate: day(0), EndDate: day(13), Goal: "핵심 주문/결제 기능 구현"},
				{Number: 2, StartDate: day(14), EndDate: day(27), Goal: "추가 기능 구현 및 안정화"},
			},
		},
	}, nil
}
