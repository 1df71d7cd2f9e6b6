package enrich

import (
	"github.com/orneryd/ekgenrich/pkg/cypher"
	"github.com/orneryd/ekgenrich/pkg/graph"
)

// Query skeletons. ${...} slots take validated schema tokens, $... slots are
// driver-bound values. Every write runs as CALL { } IN TRANSACTIONS so a large
// pass commits in batches of $batchSize.
var (
	mergeObjectTypeQuery = cypher.MustParse(graph.QueryMergeObjectType, `
MERGE (ot:ObjectType {objectType: $objectType})
RETURN count(ot) AS count`)

	linkObjectTypeQuery = cypher.MustParse(graph.QueryLinkObjectType, `
MATCH (ot:ObjectType {objectType: $objectType})
MATCH (n:${label})
CALL (n, ot) {
  MERGE (n)-[:IS_OF_TYPE]->(ot)
} IN TRANSACTIONS OF $batchSize ROWS
RETURN count(n) AS count`)

	mergeEventTypeQuery = cypher.MustParse(graph.QueryMergeEventType, `
MERGE (et:EventType {eventType: $eventType})
RETURN count(et) AS count`)

	linkEventTypeQuery = cypher.MustParse(graph.QueryLinkEventType, `
MATCH (et:EventType {eventType: $eventType})
MATCH (n:${label})
CALL (n, et) {
  MERGE (n)-[:IS_OF_TYPE]->(et)
  REMOVE n:${label}
  SET n:Event
} IN TRANSACTIONS OF $batchSize ROWS
RETURN count(n) AS count`)

	materializeQuery = cypher.MustParse(graph.QueryMaterialize, `
MATCH (from)-[:IS_OF_TYPE]->(:ObjectType {objectType: $fromType})
MATCH (to)-[:IS_OF_TYPE]->(:ObjectType {objectType: $toType})
MATCH (from)-[r:${relationType}]->(to)
${conditions}
WITH DISTINCT from, r, to
WITH from, to, count(r) AS edgeCount
CALL (from, to) {
  MERGE (new:${label} {sysId: from.sysId + $separator + to.sysId})
  MERGE (new)-[:RELATED]->(from)
  MERGE (new)-[:RELATED]->(to)
  ${assignments}
  RETURN new
} IN TRANSACTIONS OF $batchSize ROWS
RETURN sum(edgeCount) AS edges, count(DISTINCT new) AS nodes`)

	inferQuery = cypher.MustParse(graph.QueryInferRelationship, `
MATCH (from:${fromLabel})
MATCH (to:${toLabel})
${conditions}
WITH DISTINCT from, to
WHERE from <> to
CALL (from, to) {
  MERGE (from)-[:${type}]->(to)
} IN TRANSACTIONS OF $batchSize ROWS
RETURN count(*) AS count`)

	dfEventsQuery = cypher.MustParse(graph.QueryDirectlyFollowsEvents, `
MATCH (o)-[:IS_OF_TYPE]->(:ObjectType {objectType: $objectType})
MATCH (e:Event)--(o)
MATCH (e)-[:IS_OF_TYPE]->(et:EventType)
WHERE et.eventType IN $eventTypes
WITH DISTINCT o, e
WITH o, e, [f IN $timestampFields WHERE e[f] IS NOT NULL | e[f]] AS present
WHERE size(present) > 0
RETURN o.sysId AS objectId, e.sysId AS eventId, elementId(e) AS eventKey, present[0] AS timestamp`)

	dfMergeQuery = cypher.MustParse(graph.QueryMergeDirectlyFollows, `
UNWIND $pairs AS pair
CALL (pair) {
  MATCH (a) WHERE elementId(a) = pair.fromKey
  MATCH (b) WHERE elementId(b) = pair.toKey
  OPTIONAL MATCH (a)-[existing:DF {objectType: $objectType, id: pair.objectId}]->(b)
  WITH a, b, pair, count(existing) = 0 AS isNew
  MERGE (a)-[:DF {objectType: $objectType, id: pair.objectId}]->(b)
  RETURN isNew
} IN TRANSACTIONS OF $batchSize ROWS
RETURN count(*) AS merged, sum(CASE WHEN isNew THEN 1 ELSE 0 END) AS created`)

	boundaryCandidatesQuery = cypher.MustParse(graph.QueryBoundaryCandidates, `
MATCH (o)-[:IS_OF_TYPE]->(:ObjectType {objectType: $objectType})
OPTIONAL MATCH (e:Event)--(o)
WHERE EXISTS { MATCH (e)-[:IS_OF_TYPE]->(et:EventType) WHERE et.eventType IN $eventTypes }
  AND any(f IN $timestampFields WHERE e[f] IS NOT NULL)
WITH DISTINCT o, e
RETURN elementId(o) AS objectKey, o.sysId AS objectId,
       elementId(e) AS eventKey, e.sysId AS eventId,
       [f IN $timestampFields WHERE e[f] IS NOT NULL | e[f]][0] AS timestamp,
       CASE WHEN e IS NULL THEN false
            ELSE EXISTS { MATCH (:Event)-[:DF {objectType: $objectType, id: o.sysId}]->(e) } END AS hasIncoming,
       CASE WHEN e IS NULL THEN false
            ELSE EXISTS { MATCH (e)-[:DF {objectType: $objectType, id: o.sysId}]->(:Event) } END AS hasOutgoing`)

	boundaryMergeQuery = cypher.MustParse(graph.QueryMergeBoundaries, `
UNWIND $boundaries AS b
CALL (b) {
  MATCH (o) WHERE elementId(o) = b.objectKey
  MATCH (e) WHERE elementId(e) = b.eventKey
  FOREACH (x IN CASE WHEN b.start THEN [1] ELSE [] END | MERGE (o)-[:HAS_START]->(e))
  FOREACH (x IN CASE WHEN b.end THEN [1] ELSE [] END | MERGE (o)-[:HAS_END]->(e))
} IN TRANSACTIONS OF $batchSize ROWS
RETURN count(*) AS count`)

	lifecyclesQuery = cypher.MustParse(graph.QueryLifecycles, `
MATCH (o)-[:IS_OF_TYPE]->(:ObjectType {objectType: $objectType})
OPTIONAL MATCH (o)-[:HAS_START]->(s:Event)
OPTIONAL MATCH (o)-[:HAS_END]->(t:Event)
WITH o, s, t
WHERE s IS NOT NULL OR t IS NOT NULL
RETURN elementId(o) AS objectKey, o.sysId AS objectId,
       elementId(s) AS startKey, s.sysId AS startId,
       elementId(t) AS endKey, t.sysId AS endId`)

	highLevelMergeQuery = cypher.MustParse(graph.QueryMergeHighLevelEvents, `
UNWIND $events AS ev
CALL (ev) {
  MATCH (o) WHERE elementId(o) = ev.objectKey
  MATCH (s) WHERE elementId(s) = ev.startKey
  MATCH (t) WHERE elementId(t) = ev.endKey
  OPTIONAL MATCH (existing:${label}:Event {sysId: ev.sysId})
  WITH o, s, t, ev, count(existing) = 0 AS isNew
  MERGE (et:EventType {eventType: $eventType})
  MERGE (h:${label}:Event {sysId: ev.sysId})
  ON CREATE SET h.activity = $activity,
                h.startTimestamp = [f IN $timestampFields WHERE s[f] IS NOT NULL | s[f]][0],
                h.endTimestamp = [f IN $timestampFields WHERE t[f] IS NOT NULL | t[f]][0],
                h.timestamp = [f IN $timestampFields WHERE s[f] IS NOT NULL | s[f]][0]
  MERGE (h)-[:CONTAINS]->(s)
  MERGE (h)-[:CONTAINS]->(t)
  MERGE (h)-[:${correlation}]->(o)
  MERGE (h)-[:IS_OF_TYPE]->(et)
  RETURN isNew
} IN TRANSACTIONS OF $batchSize ROWS
RETURN count(*) AS linked, sum(CASE WHEN isNew THEN 1 ELSE 0 END) AS created`)
)
