// Package dispatcher classifies inbound events and extracts the part a
// client should see.
package dispatcher

import (
	"agent-notify-ws/internal/domain"
)

// route is the fixed extraction rule for one recognized kind.
type route struct {
	payloadKey string
	agentType  domain.AgentType
}

// routeFor is the closed match over EventKind. New kinds must add an arm
// here; TestRouteForCoversEveryKind fails otherwise.
func routeFor(kind domain.EventKind) (route, bool) {
	switch kind {
	case domain.CampaignCreated:
		return route{payloadKey: "article", agentType: domain.AgentWriter}, true
	case domain.GraphicDesignCreated:
		return route{payloadKey: "imageUri", agentType: domain.AgentGraphicDesigner}, true
	case domain.SocialMediaPostCreated:
		return route{payloadKey: "socialMediaPost", agentType: domain.AgentCommunityManager}, true
	case domain.AuditorAlert:
		return route{payloadKey: "auditorAlertMessage", agentType: domain.AgentAuditor}, true
	case domain.KindUnhandled:
		return route{}, false
	default:
		return route{}, false
	}
}

// Dispatch maps an event to at most one outbound message.
//
// An unrecognized kind yields ok == false and a nil error. A recognized
// kind missing its payload key or SessionId yields a
// *domain.MalformedEventError.
func Dispatch(ev domain.Event) (msg domain.OutboundMessage, ok bool, err error) {
	kind := ev.Kind()
	r, known := routeFor(kind)
	if !known {
		return domain.OutboundMessage{}, false, nil
	}

	sessionID := ev.SessionID()
	if sessionID == "" {
		return domain.OutboundMessage{}, false, &domain.MalformedEventError{Kind: kind, Field: domain.SessionIDKey}
	}

	payload, present := ev.Data[r.payloadKey]
	if !present {
		return domain.OutboundMessage{}, false, &domain.MalformedEventError{Kind: kind, Field: r.payloadKey}
	}

	return domain.OutboundMessage{
		SessionID: sessionID,
		AgentType: r.agentType,
		Payload:   payload,
	}, true, nil
}
