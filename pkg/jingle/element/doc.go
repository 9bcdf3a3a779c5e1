// Package element содержит типизированные элементы протокола Jingle и их XML-кодек.
//
// Элементы, для которых нет известного варианта (описание приложения,
// транспорт, безопасность), сохраняются как Opaque с сырым XML и
// переотправляются без изменений. Разбор выполняется явными функциями
// декодирования, ошибки разбора возвращаются как значения.
package element
