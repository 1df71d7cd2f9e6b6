package graph

// Named queries. The enrichment core compiles its templates under these names;
// engines that do not execute Cypher text dispatch on them instead.
const (
	QueryMergeObjectType = "types.merge_object_type"
	QueryLinkObjectType  = "types.link_object_type"
	QueryMergeEventType  = "types.merge_event_type"
	QueryLinkEventType   = "types.link_event_type"

	QueryMaterialize       = "materialize"
	QueryInferRelationship = "relationships.infer"

	QueryDirectlyFollowsEvents = "df.events"
	QueryMergeDirectlyFollows  = "df.merge"

	QueryBoundaryCandidates = "boundaries.candidates"
	QueryMergeBoundaries    = "boundaries.merge"

	QueryLifecycles           = "highlevel.lifecycles"
	QueryMergeHighLevelEvents = "highlevel.merge"
)

// Schema vocabulary written by the core.
const (
	LabelEvent      = "Event"
	LabelObjectType = "ObjectType"
	LabelEventType  = "EventType"

	RelIsOfType        = "IS_OF_TYPE"
	RelRelated         = "RELATED"
	RelDirectlyFollows = "DF"
	RelHasStart        = "HAS_START"
	RelHasEnd          = "HAS_END"
	RelContains        = "CONTAINS"

	PropSysID          = "sysId"
	PropObjectType     = "objectType"
	PropEventType      = "eventType"
	PropScopeID        = "id"
	PropActivity       = "activity"
	PropTimestamp      = "timestamp"
	PropStartTimestamp = "startTimestamp"
	PropEndTimestamp   = "endTimestamp"
)
