// Package domain models influenza surveillance data reconciled from
// heterogeneous public health sources.
//
// # Data Sources
//
// Observations arrive from per-source connectors, each wrapping one upstream
// surveillance feed:
//
//	who_flunet  WHO FluNet via the xMart public OData API. Weekly
//	            country-level positives by flu subtype, reported by member
//	            states with a 1-2 week lag.
//	usa_cdc     CDC FluView Phase 1 API. State-level ILI activity levels
//	            (0-13) converted to estimated weekly case counts.
//	uk_ukhsa    UKHSA dashboard API. Weekly hospital admission rates per
//	            100k for England, converted to estimated counts; also
//	            carries test positivity used by the severity scorer.
//	brazil_svs  Fiocruz InfoGripe API (SIVEP-Gripe). State-level weekly
//	            SARI counts with flu subtype breakdown; the only
//	            southern-hemisphere feed.
//
// # Canonical Schema
//
// Every connector normalizes into Observation: a UTC week- or day-granular
// timestamp, an ISO 3166-1 alpha-2 country code, optional region and city,
// a non-negative case count (exact or estimated), an optional canonical
// subtype label, and the producing source ID.
//
// Subtype labels are canonicalized from upstream field names:
//
//	AH1N12009 -> H1N1         AH3  -> H3N2        AH5 -> H5N1   AH7N9 -> H7N9
//	BVIC      -> B/Victoria   BYAM -> B/Yamagata
//	INF_A     -> A (unsubtyped)   INF_B -> B (lineage unknown)
//
// FluNet publishes UK constituent entities (XE, XI, XS, XW) separately;
// they are folded into GB during normalization.
//
// # Deduplication
//
// The tuple (time, country_code, region, source, subtype) identifies one
// fact. Observations are append-only: a later pull of an already-stored key
// is dropped, never merged. Optional fields use empty strings rather than
// NULLs so the store's unique index enforces the key exactly.
//
// # Severity Bands
//
// Anomaly severity derives from the z-score of a 4-week window against its
// trailing baseline: z >= 3.5 critical, >= 3.0 high, >= 2.5 medium,
// >= 2.0 low. Composite severity scores reuse the same four names on a
// 0-100 scale: >= 80 critical, >= 60 high, >= 40 medium, below that low.
//
// # Seasons
//
// Flu seasons are hemisphere-dependent 12-month windows: Oct 1 - Sep 30 in
// the north, Apr 1 - Mar 31 in the south. All boundary arithmetic is UTC.
package domain
